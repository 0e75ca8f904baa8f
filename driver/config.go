package driver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CANSupported is the bus capability bit for CAN.
const CANSupported = 0x10000

// Layout of the packed XLdriverConfig / XLchannelConfig structs.
const (
	maxChannels        = 64
	channelConfigSize  = 227
	driverConfigHeader = 48
	DriverConfigSize   = driverConfigHeader + maxChannels*channelConfigSize
)

var (
	ErrNoChannels     = errors.New("driver: no available CAN channels")
	ErrNoSuchChannel  = errors.New("driver: channel does not exist")
	ErrCANUnsupported = errors.New("driver: channel doesn't support CAN")
)

// ChannelConfig describes one hardware channel.
type ChannelConfig struct {
	Name            string
	HwType          byte
	HwIndex         byte
	HwChannel       byte
	TransceiverType uint16
	ChannelIndex    byte
	ChannelMask     uint64
	BusCapabilities uint32
	IsOnBus         bool
	DriverVersion   uint32
	SerialNumber    uint32
	ArticleNumber   uint32
	TransceiverName string
}

// SupportsCAN reports whether the channel can be opened as a CAN channel.
func (c ChannelConfig) SupportsCAN() bool { return c.BusCapabilities&CANSupported != 0 }

// IsVirtual reports whether the channel is a software channel.
func (c ChannelConfig) IsVirtual() bool { return strings.Contains(c.Name, "Virtual") }

// DriverConfig is the connected hardware as reported by the driver.
type DriverConfig struct {
	Version  uint32
	Channels []ChannelConfig
}

// ParseDriverConfig decodes the raw XLdriverConfig buffer filled by xlGetDriverConfig.
func ParseDriverConfig(raw []byte) (*DriverConfig, error) {
	if len(raw) < driverConfigHeader {
		return nil, fmt.Errorf("driver config too short: %d bytes", len(raw))
	}
	le := binary.LittleEndian
	cfg := &DriverConfig{Version: le.Uint32(raw[0:4])}
	count := int(le.Uint32(raw[4:8]))
	if count > maxChannels {
		return nil, fmt.Errorf("driver config reports %d channels, max is %d", count, maxChannels)
	}
	if need := driverConfigHeader + count*channelConfigSize; len(raw) < need {
		return nil, fmt.Errorf("driver config too short for %d channels: %d < %d", count, len(raw), need)
	}
	for i := 0; i < count; i++ {
		off := driverConfigHeader + i*channelConfigSize
		cfg.Channels = append(cfg.Channels, parseChannelConfig(raw[off:off+channelConfigSize]))
	}
	return cfg, nil
}

func parseChannelConfig(b []byte) ChannelConfig {
	le := binary.LittleEndian
	return ChannelConfig{
		Name:            cString(b[0:32]),
		HwType:          b[32],
		HwIndex:         b[33],
		HwChannel:       b[34],
		TransceiverType: le.Uint16(b[35:37]),
		ChannelIndex:    b[41],
		ChannelMask:     le.Uint64(b[42:50]),
		BusCapabilities: le.Uint32(b[54:58]),
		IsOnBus:         b[58] != 0,
		DriverVersion:   le.Uint32(b[99:103]),
		SerialNumber:    le.Uint32(b[147:151]),
		ArticleNumber:   le.Uint32(b[151:155]),
		TransceiverName: cString(b[155:187]),
	}
}

// encodeChannelConfig is the inverse of parseChannelConfig for the fields it reads.
func encodeChannelConfig(c ChannelConfig) []byte {
	le := binary.LittleEndian
	b := make([]byte, channelConfigSize)
	copy(b[0:31], c.Name)
	b[32], b[33], b[34] = c.HwType, c.HwIndex, c.HwChannel
	le.PutUint16(b[35:37], c.TransceiverType)
	b[41] = c.ChannelIndex
	le.PutUint64(b[42:50], c.ChannelMask)
	le.PutUint32(b[54:58], c.BusCapabilities)
	if c.IsOnBus {
		b[58] = 1
	}
	le.PutUint32(b[99:103], c.DriverVersion)
	le.PutUint32(b[147:151], c.SerialNumber)
	le.PutUint32(b[151:155], c.ArticleNumber)
	copy(b[155:186], c.TransceiverName)
	return b
}

// Bytes packs the config into the XLdriverConfig layout.
func (d *DriverConfig) Bytes() []byte {
	raw := make([]byte, DriverConfigSize)
	binary.LittleEndian.PutUint32(raw[0:4], d.Version)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(len(d.Channels)))
	for i, c := range d.Channels {
		off := driverConfigHeader + i*channelConfigSize
		copy(raw[off:off+channelConfigSize], encodeChannelConfig(c))
	}
	return raw
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// DLLVersion formats the driver version as major.minor.build.
func (d *DriverConfig) DLLVersion() string {
	v := d.Version
	return fmt.Sprintf("%d.%d.%d", (v>>24)&0xFF, (v>>16)&0xFF, v&0xFFFF)
}

// CANChannels returns the 1 based numbers of all channels that support CAN.
func (d *DriverConfig) CANChannels(includeVirtual bool) []int {
	var chans []int
	for _, c := range d.Channels {
		if !c.SupportsCAN() {
			continue
		}
		if c.IsVirtual() && !includeVirtual {
			continue
		}
		chans = append(chans, int(c.ChannelIndex)+1)
	}
	return chans
}

// Resolve validates a 1 based channel number. 0 selects the last channel,
// which is the virtual one on a default driver install.
func (d *DriverConfig) Resolve(channel int) (int, ChannelConfig, error) {
	if len(d.Channels) == 0 {
		return 0, ChannelConfig{}, ErrNoChannels
	}
	if channel < 0 || channel > len(d.Channels) {
		return 0, ChannelConfig{}, fmt.Errorf("%w: %d", ErrNoSuchChannel, channel)
	}
	if channel == 0 {
		channel = len(d.Channels)
	}
	c := d.Channels[channel-1]
	if !c.SupportsCAN() {
		return 0, ChannelConfig{}, fmt.Errorf("%w: %d", ErrCANUnsupported, channel)
	}
	return channel, c, nil
}

const configRule = "----------------------------------------------------------\n"

// Print writes the hardware table. It returns false when no channel has a
// transceiver attached, meaning only virtual channels are present.
func (d *DriverConfig) Print(w io.Writer, debug bool) bool {
	foundPiggy := false
	fmt.Fprint(w, configRule)
	fmt.Fprintf(w, "- %2d channels       Hardware Configuration              -\n", len(d.Channels))
	fmt.Fprint(w, configRule)
	for _, c := range d.Channels {
		if debug {
			fmt.Fprintf(w, "- Channel Index: %d,  Channel Mask: 0x%X, ", c.ChannelIndex, c.ChannelMask)
		} else {
			fmt.Fprintf(w, "- Channel: %d, ", int(c.ChannelIndex)+1)
		}
		fmt.Fprintf(w, " %23s, ", truncate(c.Name, 23))
		if c.TransceiverType != 0 {
			foundPiggy = true
			fmt.Fprintf(w, "%13s -\n", truncate(c.TransceiverName, 13))
		} else {
			fmt.Fprint(w, "    no Cab!   -\n")
		}
	}
	fmt.Fprint(w, configRule)
	return foundPiggy
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
