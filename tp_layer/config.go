package tp_layer

import (
	"time"

	"go.uber.org/zap"
)

// DefaultPaddingByte is the ISO 15765-2 recommended filler.
const DefaultPaddingByte byte = 0xCC

// DefaultMaxRxSize is the largest message accepted when Config.MaxRxSize is 0.
const DefaultMaxRxSize = 1 << 16

// Config defines the configuration for the ISO-TP Transport.
type Config struct {
	// PaddingByte, if not nil, pads classic frames to 8 bytes. FD frames
	// longer than 8 bytes are always padded to the next valid length.
	PaddingByte *byte
	// DataLengthOptimization skips padding classic frames to 8 bytes.
	DataLengthOptimization bool

	// Transmitter side timeouts
	TimeoutN_As time.Duration // transmission of an N_PDU
	TimeoutN_Bs time.Duration // until reception of a flow control frame
	TimeoutN_Cs time.Duration // until transmission of the next CF

	// Receiver side timeouts
	TimeoutN_Ar time.Duration
	TimeoutN_Br time.Duration
	TimeoutN_Cr time.Duration // until reception of the next CF

	// Flow control we send as a receiver.
	BlockSize int
	StMin     int

	// MaxWaitFrames is how many consecutive FC WAIT frames are accepted
	// before a transmission is aborted.
	MaxWaitFrames int

	// BufferSize is the depth of the rx and tx data channels.
	BufferSize int

	// MaxRxSize is the largest message length a first frame may announce.
	// Longer ones are refused with an overflow flow control.
	MaxRxSize int

	Logger *zap.SugaredLogger
}

// DefaultConfig returns the ISO 15765-2 recommended values.
func DefaultConfig() Config {
	return Config{
		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cs: 1000 * time.Millisecond,

		TimeoutN_Ar: 1000 * time.Millisecond,
		TimeoutN_Br: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize:     0,
		StMin:         0,
		MaxWaitFrames: 10,
		BufferSize:    10,
		MaxRxSize:     DefaultMaxRxSize,
	}
}

func (c Config) maxRxSize() int {
	if c.MaxRxSize <= 0 {
		return DefaultMaxRxSize
	}
	return c.MaxRxSize
}

// WithPadding returns a copy of c that pads with b.
func (c Config) WithPadding(b byte) Config {
	c.PaddingByte = &b
	return c
}
