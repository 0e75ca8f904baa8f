package driver

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// fdLengths are the payload sizes a CAN FD frame can carry above 8 bytes.
var fdLengths = [...]int{12, 16, 20, 24, 32, 48, 64}

// LenToDLC converts a payload length to the DLC code sent on the wire.
func LenToDLC(n int) byte {
	if n <= 8 {
		if n < 0 {
			return 0
		}
		return byte(n)
	}
	for i, l := range fdLengths {
		if n <= l {
			return byte(9 + i)
		}
	}
	return 15
}

// DLCToLen converts a DLC code back to a payload length.
func DLCToLen(dlc byte) int {
	if dlc <= 8 {
		return int(dlc)
	}
	if dlc > 15 {
		dlc = 15
	}
	return fdLengths[dlc-9]
}

// NextFDLength rounds n up to a length a frame can actually carry.
func NextFDLength(n int) int {
	if n <= 8 {
		return n
	}
	return DLCToLen(LenToDLC(n))
}

// SplitBlock cuts data into chunks of at most blockSize bytes.
func SplitBlock(data []byte, blockSize int) [][]byte {
	var blocks [][]byte
	for i := 0; i < len(data); i += blockSize {
		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}
	return blocks
}

// ParseHex decodes a hex string. Spaces and an optional 0x prefix are ignored
// and an odd length gets a leading zero.
func ParseHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	return b, nil
}

// HexString formats data as uppercase hex without separators.
func HexString(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}
