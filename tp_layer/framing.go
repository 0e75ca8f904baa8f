package tp_layer

import (
	"encoding/binary"
	"fmt"
)

const (
	pciTypeSingleFrame      = 0x00
	pciTypeFirstFrame       = 0x10
	pciTypeConsecutiveFrame = 0x20
	pciTypeFlowControl      = 0x30
)

// maxFirstFrameShortLength is the largest FF_DL that fits the 12 bit form.
const maxFirstFrameShortLength = 4095

var fdLengths = []int{12, 16, 20, 24, 32, 48, 64}

// nextValidLength rounds n up to a length a CAN FD frame can carry.
func nextValidLength(n int) int {
	if n <= 8 {
		return n
	}
	for _, l := range fdLengths {
		if n <= l {
			return l
		}
	}
	return n
}

func createFlowControlPayload(status FlowStatus, blockSize int, stMinMs int) []byte {
	var stMinByte byte
	if stMinMs >= 0 && stMinMs <= 127 {
		stMinByte = byte(stMinMs)
	} else {
		stMinByte = 0x7F
	}
	return []byte{
		pciTypeFlowControl | byte(status),
		byte(blockSize),
		stMinByte,
	}
}

func createSingleFramePayload(data []byte, maxDataLength int) ([]byte, error) {
	dataLen := len(data)
	var pci []byte
	if dataLen <= 7 {
		pci = []byte{pciTypeSingleFrame | byte(dataLen)}
	} else {
		// CAN FD escape sequence
		pci = []byte{pciTypeSingleFrame, byte(dataLen)}
	}

	totalLength := len(pci) + dataLen
	if totalLength > maxDataLength {
		return nil, newError(ErrPayloadTooLong, "single frame of %d bytes exceeds %d", totalLength, maxDataLength)
	}
	payload := make([]byte, 0, totalLength)
	payload = append(payload, pci...)
	payload = append(payload, data...)
	return payload, nil
}

func createFirstFramePayload(firstChunk []byte, totalMessageSize int, maxDataLength int) ([]byte, error) {
	var pci []byte
	if totalMessageSize <= maxFirstFrameShortLength {
		pci = []byte{
			pciTypeFirstFrame | byte(totalMessageSize>>8&0x0F),
			byte(totalMessageSize & 0xFF),
		}
	} else {
		pci = make([]byte, 6)
		pci[0] = pciTypeFirstFrame
		binary.BigEndian.PutUint32(pci[2:], uint32(totalMessageSize))
	}

	totalLength := len(pci) + len(firstChunk)
	if totalLength > maxDataLength {
		return nil, newError(ErrPayloadTooLong, "first frame of %d bytes exceeds %d", totalLength, maxDataLength)
	}
	payload := make([]byte, 0, totalLength)
	payload = append(payload, pci...)
	payload = append(payload, firstChunk...)
	return payload, nil
}

func createConsecutiveFramePayload(dataChunk []byte, sequenceNumber int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, fmt.Errorf("sequence number %d not in 0..15", sequenceNumber)
	}
	payload := make([]byte, 0, 1+len(dataChunk))
	payload = append(payload, pciTypeConsecutiveFrame|byte(sequenceNumber))
	payload = append(payload, dataChunk...)
	return payload, nil
}

// padPayload applies the padding rules: classic frames go to 8 bytes unless
// data length optimization is on, longer FD frames go to the next valid length.
func padPayload(data []byte, padding *byte, optimize bool) []byte {
	fill := DefaultPaddingByte
	if padding != nil {
		fill = *padding
	}
	target := len(data)
	switch {
	case len(data) > 8:
		target = nextValidLength(len(data))
	case padding != nil && !optimize:
		target = 8
	}
	for len(data) < target {
		data = append(data, fill)
	}
	return data
}
