package driver

import (
	"encoding/binary"
	"time"
)

// XL API constants used by the Vector backend.
const (
	xlSuccess          = 0
	xlErrQueueIsEmpty  = 10
	xlInterfaceVersion = 3
	xlBusTypeCAN       = 1
	xlActivateResetClk = 8

	xlReceiveMsg  = 1
	xlChipState   = 4
	xlTransmitMsg = 10

	xlCanMsgFlagErrorFrame  = 0x01
	xlCanMsgFlagRemoteFrame = 0x10
	xlCanMsgFlagTxCompleted = 0x40

	xlCanExtMsgID = 0x80000000

	xlChipStatBusOff  = 0x01
	xlChipStatPassive = 0x02
	xlChipStatWarning = 0x04
	xlChipStatActive  = 0x08
)

// xlEvent mirrors the 48 byte XLevent struct. TagData holds the s_xl_can_msg
// or s_xl_chip_state union member.
type xlEvent struct {
	Tag        uint8
	ChanIndex  uint8
	TransID    uint16
	PortHandle uint16
	Flags      uint8
	Reserved   uint8
	TimeStamp  uint64
	TagData    [32]byte
}

// encodeXLEvent builds a transmit event for a classic CAN frame.
func encodeXLEvent(f Frame) xlEvent {
	ev := xlEvent{Tag: xlTransmitMsg}
	id := f.ID
	if f.IsExtended || id > MaxStandardID {
		id = (id & MaxExtendedID) | xlCanExtMsgID
	}
	le := binary.LittleEndian
	le.PutUint32(ev.TagData[0:4], id)
	le.PutUint16(ev.TagData[4:6], 0)
	le.PutUint16(ev.TagData[6:8], uint16(f.DLC))
	copy(ev.TagData[16:24], f.Data[:8])
	return ev
}

// decodeXLEvent converts a received XLevent. The second result is false for
// tags the bus layer has no use for.
func decodeXLEvent(ev xlEvent, channel int) (Event, bool) {
	le := binary.LittleEndian
	out := Event{Channel: channel, Time: time.Duration(ev.TimeStamp)}
	switch ev.Tag {
	case xlChipState:
		out.Kind = EventChipState
		out.Chip = ChipState{
			Status:   chipStatus(ev.TagData[0]),
			TxErrors: ev.TagData[1],
			RxErrors: ev.TagData[2],
		}
		return out, true
	case xlReceiveMsg:
		rawID := le.Uint32(ev.TagData[0:4])
		flags := le.Uint16(ev.TagData[4:6])
		dlc := le.Uint16(ev.TagData[6:8])
		if flags&xlCanMsgFlagErrorFrame != 0 {
			out.Kind = EventErrorFrame
			return out, true
		}
		out.Kind = EventRx
		if flags&xlCanMsgFlagTxCompleted != 0 {
			out.Kind = EventTx
		}
		if dlc > 8 {
			dlc = 8
		}
		out.Frame = Frame{
			ID:         rawID & MaxExtendedID,
			DLC:        byte(dlc),
			IsExtended: rawID&xlCanExtMsgID != 0,
		}
		if flags&xlCanMsgFlagRemoteFrame == 0 {
			copy(out.Frame.Data[:], ev.TagData[16:16+dlc])
		}
		return out, true
	}
	return out, false
}

func chipStatus(b byte) BusStatus {
	switch {
	case b&xlChipStatBusOff != 0:
		return BusStatusOff
	case b&xlChipStatPassive != 0:
		return BusStatusPassive
	case b&xlChipStatWarning != 0:
		return BusStatusWarning
	case b&xlChipStatActive != 0:
		return BusStatusActive
	}
	return BusStatusUnknown
}
