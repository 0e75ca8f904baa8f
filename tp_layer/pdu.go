package tp_layer

import (
	"encoding/binary"
	"time"
)

// ISOTPFrame is one of the four parsed frame types.
type ISOTPFrame interface{}

type SingleFrame struct{ Data []byte }

type FirstFrame struct {
	TotalSize int
	Data      []byte
}

type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func decodeSTmin(stMinByte byte) time.Duration {
	if stMinByte <= 0x7F {
		return time.Duration(stMinByte) * time.Millisecond
	}
	if stMinByte >= 0xF1 && stMinByte <= 0xF9 {
		return time.Duration(stMinByte-0xF0) * 100 * time.Microsecond
	}
	// Reserved values are treated as the maximum.
	return 127 * time.Millisecond
}

// ParseFrame decodes the PCI of msg after skipping rxPrefixSize address bytes.
func ParseFrame(msg *CanMessage, rxPrefixSize int) (ISOTPFrame, error) {
	if len(msg.Data) <= rxPrefixSize {
		return nil, newError(ErrInvalidFrame, "data length %d not above prefix length %d", len(msg.Data), rxPrefixSize)
	}

	payload := msg.Data[rxPrefixSize:]
	pciType := payload[0] & 0xF0

	switch pciType {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		var data []byte
		if length == 0 {
			if len(msg.Data) <= 8 {
				return nil, newError(ErrInvalidFrame, "escaped single frame in a %d byte frame", len(msg.Data))
			}
			if len(payload) < 2 {
				return nil, newError(ErrInvalidFrame, "escaped single frame shorter than 2 bytes")
			}
			length = int(payload[1])
			if len(payload)-2 < length {
				return nil, newError(ErrInvalidFrame, "escaped single frame truncated")
			}
			data = payload[2 : 2+length]
		} else {
			if len(payload)-1 < length {
				return nil, newError(ErrInvalidFrame, "single frame truncated")
			}
			data = payload[1 : 1+length]
		}
		return &SingleFrame{Data: data}, nil
	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, newError(ErrInvalidFrame, "first frame shorter than 2 bytes")
		}
		totalSize := (int(payload[0]&0x0F) << 8) | int(payload[1])
		dataStart := 2
		if totalSize == 0 {
			if len(payload) < 6 {
				return nil, newError(ErrInvalidFrame, "long first frame shorter than 6 bytes")
			}
			totalSize = int(binary.BigEndian.Uint32(payload[2:6]))
			dataStart = 6
		}
		return &FirstFrame{TotalSize: totalSize, Data: payload[dataStart:]}, nil
	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil
	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, newError(ErrInvalidFrame, "flow control shorter than 3 bytes")
		}
		return &FlowControlFrame{
			FlowStatus: FlowStatus(payload[0] & 0x0F),
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
		}, nil
	}
	return nil, newError(ErrInvalidFrame, "unknown PCI type 0x%02X", pciType)
}
