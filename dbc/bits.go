package dbc

// Bit positions follow DBC numbering: bit n is bit n%8 of byte n/8.

func getBit(data []byte, pos int) bool {
	i := pos / 8
	if pos < 0 || i >= len(data) {
		return false
	}
	return data[i]&(1<<uint(pos%8)) != 0
}

func setBit(data []byte, pos int, v bool) {
	i := pos / 8
	if pos < 0 || i >= len(data) {
		return
	}
	if v {
		data[i] |= 1 << uint(pos%8)
	} else {
		data[i] &^= 1 << uint(pos%8)
	}
}

// motorolaNext steps to the next less significant bit of a big endian signal
// in the sawtooth numbering.
func motorolaNext(pos int) int {
	if pos%8 == 0 {
		return pos + 15
	}
	return pos - 1
}

// extractBits reads length bits starting at start. Intel signals start at
// their LSB, Motorola signals at their MSB.
func extractBits(data []byte, start, length int, bigEndian bool) uint64 {
	var raw uint64
	if !bigEndian {
		for i := 0; i < length; i++ {
			if getBit(data, start+i) {
				raw |= 1 << uint(i)
			}
		}
		return raw
	}
	pos := start
	for i := length - 1; i >= 0; i-- {
		if getBit(data, pos) {
			raw |= 1 << uint(i)
		}
		pos = motorolaNext(pos)
	}
	return raw
}

// insertBits is the inverse of extractBits. Bits of raw above length are ignored.
func insertBits(data []byte, start, length int, bigEndian bool, raw uint64) {
	if !bigEndian {
		for i := 0; i < length; i++ {
			setBit(data, start+i, raw&(1<<uint(i)) != 0)
		}
		return
	}
	pos := start
	for i := length - 1; i >= 0; i-- {
		setBit(data, pos, raw&(1<<uint(i)) != 0)
		pos = motorolaNext(pos)
	}
}

func lengthMask(length int) uint64 {
	if length >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(length)) - 1
}

// signExtend interprets the low length bits of raw as two's complement.
func signExtend(raw uint64, length int) int64 {
	if length <= 0 || length >= 64 {
		return int64(raw)
	}
	if raw&(1<<uint(length-1)) != 0 {
		return int64(raw | ^lengthMask(length))
	}
	return int64(raw)
}
