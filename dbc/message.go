package dbc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Message is a CAN message from the database or created ad hoc. Its data is
// the value transmitted and is safe to update while the message is periodic.
type Message struct {
	ID          uint32
	Name        string
	LongName    string
	DLC         int
	Sender      string
	Period      int // ms, 0 for event messages
	Delay       int // ms
	Repetitions int
	IsExtended  bool
	IsFD        bool
	BRS         bool
	Comment     string
	Signals     []*Signal

	// UpdateFunc, when set, returns the data to send before every periodic transmit.
	UpdateFunc func(m *Message) []byte

	mu      sync.RWMutex
	data    []byte
	sending bool
}

// NewMessage creates a message that is not part of a database.
func NewMessage(id uint32, name string, dlc int) *Message {
	return &Message{
		ID:         id & MaxID,
		Name:       name,
		DLC:        dlc,
		IsExtended: id > 0x7FF,
		IsFD:       dlc > 8,
		data:       make([]byte, dlc),
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(0x%X)", m.Name, m.ID)
}

// Data returns a copy of the current data.
func (m *Message) Data() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// SetData replaces the data. Shorter data is right aligned, zero filled on
// the left like a hex number would be.
func (m *Message) SetData(data []byte) error {
	if len(data) > m.DLC {
		return fmt.Errorf("%w: %d bytes for %s with dlc %d", ErrDataTooLong, len(data), m.Name, m.DLC)
	}
	buf := make([]byte, m.DLC)
	copy(buf[m.DLC-len(data):], data)
	m.mu.Lock()
	m.data = buf
	m.mu.Unlock()
	return nil
}

// SetHexData parses a hex string and stores it as the message data.
func (m *Message) SetHexData(s string) error {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) > 2*m.DLC {
		return fmt.Errorf("%w: %q for %s with dlc %d", ErrDataTooLong, s, m.Name, m.DLC)
	}
	s = strings.Repeat("0", 2*m.DLC-len(s)) + s
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid data %q: %w", s, err)
	}
	return m.SetData(b)
}

// HexData returns the data as uppercase hex.
func (m *Message) HexData() string {
	return strings.ToUpper(hex.EncodeToString(m.Data()))
}

// RawValue is the first 8 data bytes read as a big endian number.
func (m *Message) RawValue() uint64 {
	var buf [8]byte
	d := m.Data()
	if len(d) > 8 {
		d = d[:8]
	}
	copy(buf[8-len(d):], d)
	return binary.BigEndian.Uint64(buf[:])
}

func (m *Message) Sending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sending
}

func (m *Message) SetSending(v bool) {
	m.mu.Lock()
	m.sending = v
	m.mu.Unlock()
}

// Signal returns the signal with the given short or long name.
func (m *Message) Signal(name string) *Signal {
	for _, s := range m.Signals {
		if strings.EqualFold(s.Name, name) || (s.LongName != "" && strings.EqualFold(s.LongName, name)) {
			return s
		}
	}
	return nil
}

// updateBits runs fn on the data under the write lock.
func (m *Message) updateBits(fn func(data []byte)) {
	m.mu.Lock()
	if len(m.data) < m.DLC {
		buf := make([]byte, m.DLC)
		copy(buf, m.data)
		m.data = buf
	}
	fn(m.data)
	m.mu.Unlock()
}
