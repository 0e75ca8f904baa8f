package dbc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Signal is a value packed into a message.
type Signal struct {
	Name      string
	LongName  string
	StartBit  int
	Length    int
	BigEndian bool
	Signed    bool
	Scale     float64
	Offset    float64
	Min       float64
	Max       float64
	Units     string
	Receivers []string
	Comment   string
	// Values maps value table names to raw values.
	Values    map[string]int64
	InitValue *int64

	msg *Message
}

// Message returns the message that carries the signal.
func (s *Signal) Message() *Message { return s.msg }

// DisplayName prefers the long name.
func (s *Signal) DisplayName() string {
	if s.LongName != "" {
		return s.LongName
	}
	return s.Name
}

// Encode converts a physical value to the raw value stored in the message.
// Unless force is set the value must be inside [Min, Max] and fit the signal length.
func (s *Signal) Encode(phys float64, force bool) (uint64, error) {
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	raw := math.Round((phys - s.Offset) / scale)
	if !force {
		if s.Min != s.Max && (phys < s.Min || phys > s.Max) {
			return 0, fmt.Errorf("%w: %v not in [%v, %v] for %s", ErrOutOfRange, phys, s.Min, s.Max, s.Name)
		}
		lo, hi := s.rawRange()
		if raw < lo || raw > hi {
			return 0, fmt.Errorf("%w: raw %v does not fit %d bits of %s", ErrOutOfRange, raw, s.Length, s.Name)
		}
	}
	return uint64(int64(raw)) & lengthMask(s.Length), nil
}

// rawRange is the raw range the signal accepts. Unsigned signals also accept
// negative numbers whose magnitude fits, stored as two's complement.
func (s *Signal) rawRange() (float64, float64) {
	n := float64(lengthMask(s.Length))
	if s.Signed {
		half := math.Ldexp(1, s.Length-1)
		return -half, half - 1
	}
	return -n, n
}

// Decode converts a raw value to its physical value.
func (s *Signal) Decode(raw uint64) float64 {
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	if s.Signed {
		return float64(signExtend(raw, s.Length))*scale + s.Offset
	}
	return float64(raw&lengthMask(s.Length))*scale + s.Offset
}

// SetValue encodes phys into the message data.
func (s *Signal) SetValue(phys float64, force bool) error {
	raw, err := s.Encode(phys, force)
	if err != nil {
		return err
	}
	s.SetRaw(raw)
	return nil
}

// SetRaw writes a raw value into the message data.
func (s *Signal) SetRaw(raw uint64) {
	if s.msg == nil {
		return
	}
	s.msg.updateBits(func(data []byte) {
		insertBits(data, s.StartBit, s.Length, s.BigEndian, raw&lengthMask(s.Length))
	})
}

// Set accepts a value table name or a number.
func (s *Signal) Set(value string, force bool) error {
	value = strings.TrimSpace(value)
	for name, raw := range s.Values {
		if strings.EqualFold(name, value) {
			s.SetRaw(uint64(raw) & lengthMask(s.Length))
			return nil
		}
	}
	phys, err := strconv.ParseFloat(value, 64)
	if err != nil {
		n, ierr := strconv.ParseInt(value, 0, 64)
		if ierr != nil {
			return fmt.Errorf("%w: %q for %s", ErrInvalidValue, value, s.Name)
		}
		phys = float64(n)
	}
	return s.SetValue(phys, force)
}

// RawValue reads the raw value from the message data.
func (s *Signal) RawValue() uint64 {
	if s.msg == nil {
		return 0
	}
	return extractBits(s.msg.Data(), s.StartBit, s.Length, s.BigEndian)
}

// Value is the current physical value.
func (s *Signal) Value() float64 { return s.Decode(s.RawValue()) }

// ValueString returns the value table name of the current value, or the number.
func (s *Signal) ValueString() string {
	raw := s.RawValue()
	for name, v := range s.Values {
		if uint64(v)&lengthMask(s.Length) == raw {
			return name
		}
	}
	return strconv.FormatFloat(s.Value(), 'f', -1, 64)
}
