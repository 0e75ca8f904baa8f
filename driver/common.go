package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Buffer and polling defaults shared by all backends.
const (
	RxChannelBufferSize = 1024
	PollingInterval     = time.Millisecond
	InitDelay           = 20 * time.Millisecond
)

const (
	// MaxStandardID is the largest 11 bit identifier.
	MaxStandardID = 0x7FF
	// MaxExtendedID is the largest 29 bit identifier.
	MaxExtendedID = 0x1FFFFFFF
)

var (
	ErrNotStarted  = errors.New("driver: channel not started")
	ErrUnsupported = errors.New("driver: backend not supported on this platform")
	ErrFrameLength = errors.New("driver: invalid frame length")
)

// Frame is a CAN or CAN FD frame as it travels between the bus and the driver.
// DLC holds the payload length in bytes, not the DLC code.
type Frame struct {
	ID         uint32
	DLC        byte
	Data       [64]byte
	IsFD       bool
	IsExtended bool
	BRS        bool
}

// NewFrame copies data into a frame. Ids above 0x7FF are marked extended.
func NewFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id & MaxExtendedID, DLC: byte(len(data)), IsExtended: id > MaxStandardID}
	copy(f.Data[:], data)
	if len(data) > 8 {
		f.IsFD = true
	}
	return f
}

// Payload returns the used part of Data.
func (f Frame) Payload() []byte {
	n := int(f.DLC)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	return fmt.Sprintf("ID=0x%03X, DLC=%02d, Data=% 02X", f.ID, f.DLC, f.Payload())
}

// EventKind tells what an Event carries.
type EventKind uint8

const (
	EventRx EventKind = iota
	EventTx
	EventErrorFrame
	EventChipState
)

func (k EventKind) String() string {
	switch k {
	case EventRx:
		return "RX_MSG"
	case EventTx:
		return "TX_MSG"
	case EventErrorFrame:
		return "ERROR_FRAME"
	case EventChipState:
		return "CHIP_STATE"
	}
	return "UNKNOWN"
}

// BusStatus is the controller state reported in chip state events.
type BusStatus uint8

const (
	BusStatusUnknown BusStatus = iota
	BusStatusActive
	BusStatusWarning
	BusStatusPassive
	BusStatusOff
)

func (s BusStatus) String() string {
	switch s {
	case BusStatusActive:
		return "ACTIVE"
	case BusStatusWarning:
		return "WARNING"
	case BusStatusPassive:
		return "PASSIVE"
	case BusStatusOff:
		return "BUSOFF"
	}
	return "UNKNOWN"
}

// ChipState is the controller state and error counters.
type ChipState struct {
	Status   BusStatus
	TxErrors uint8
	RxErrors uint8
}

// Event is everything a channel reports back: received frames, echoes of
// transmitted frames, error frames and chip state.
type Event struct {
	Kind    EventKind
	Channel int
	Time    time.Duration
	Frame   Frame
	Chip    ChipState
}

// CANDriver is one opened channel.
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(f Frame) error
	RxChan() <-chan Event
	Context() context.Context
	// RequestChipState asks the controller to report a chip state event.
	RequestChipState() error
	FlushQueues() error
	// Time is the hardware timestamp of the last event seen.
	Time() time.Duration
}

// Backend is a hardware family that can describe itself and open channels.
type Backend interface {
	Config() (*DriverConfig, error)
	Open(channel int, baudRate int) (CANDriver, error)
	Close() error
}

type options struct {
	logger       *zap.SugaredLogger
	rxBufferSize int
	pollInterval time.Duration
}

// Option configures a backend.
type Option func(*options)

func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.logger = l } }
func WithRxBufferSize(n int) Option         { return func(o *options) { o.rxBufferSize = n } }
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func newOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop().Sugar(),
		rxBufferSize: RxChannelBufferSize,
		pollInterval: PollingInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// publish does a non-blocking send so a slow consumer never stalls the read loop.
func publish(ch chan Event, ev Event, log *zap.SugaredLogger) {
	select {
	case ch <- ev:
	default:
		log.Warnw("driver rx channel full, event dropped", "kind", ev.Kind, "id", ev.Frame.ID)
	}
}
