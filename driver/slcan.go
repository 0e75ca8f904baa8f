package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"go.uber.org/zap"
)

// Serial port settings for CAN232 / LAWICEL style adapters.
const (
	SLCANPortBaudRate     = 115200
	SLCANOriginalBaudRate = 57600
	slcanReplyTimeout     = time.Second
	slcanReadTimeout      = 100 * time.Millisecond
)

// slcanSpeeds maps bus bit rates to the S command.
var slcanSpeeds = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

var ErrSLCANReply = errors.New("slcan: unexpected reply")

// SerialOpener opens the serial port. Tests replace it with an in-memory port.
type SerialOpener func(cfg *serial.Config) (io.ReadWriteCloser, error)

func openSerial(cfg *serial.Config) (io.ReadWriteCloser, error) { return serial.Open(cfg) }

// SLCAN talks the ASCII CAN232 protocol over a serial port. It has a single channel.
type SLCAN struct {
	address string
	opener  SerialOpener
	opts    options
}

// NewSLCAN returns a backend for the adapter on the given serial port.
func NewSLCAN(address string, opener SerialOpener, opts ...Option) *SLCAN {
	if opener == nil {
		opener = openSerial
	}
	return &SLCAN{address: address, opener: opener, opts: newOptions(opts)}
}

func (s *SLCAN) Config() (*DriverConfig, error) {
	return &DriverConfig{Channels: []ChannelConfig{{
		Name:            "CAN232 " + s.address,
		TransceiverType: 1,
		TransceiverName: "CAN232",
		ChannelMask:     1,
		BusCapabilities: CANSupported,
	}}}, nil
}

func (s *SLCAN) Open(channel int, baudRate int) (CANDriver, error) {
	cfg, _ := s.Config()
	num, _, err := cfg.Resolve(channel)
	if err != nil {
		return nil, err
	}
	speed, ok := slcanSpeeds[baudRate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bit rate %d", baudRate)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &slcanChannel{
		backend: s,
		channel: num,
		speed:   speed,
		log:     s.opts.logger.With("channel", num, "port", s.address),
		rxChan:  make(chan Event, s.opts.rxBufferSize),
		replies: make(chan string, 16),
		start:   time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *SLCAN) Close() error { return nil }

type slcanChannel struct {
	cmdMu    sync.Mutex
	backend  *SLCAN
	channel  int
	speed    string
	port     io.ReadWriteCloser
	version  string
	serial   string
	lastTime int64
	start    time.Time
	log      *zap.SugaredLogger
	rxChan   chan Event
	replies  chan string
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (c *slcanChannel) Init() error {
	port, err := c.backend.opener(&serial.Config{
		Address:  c.backend.address,
		BaudRate: SLCANPortBaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  slcanReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", c.backend.address, err)
	}
	c.port = port
	go c.readLoop()

	// Empty anything queued in the adapter and make sure the channel is closed.
	if _, err := io.WriteString(c.port, "\r\r\rC\r\r\r"); err != nil {
		return err
	}
	time.Sleep(InitDelay)
	c.drainReplies()

	ver, err := c.command("V")
	if err != nil {
		return err
	}
	if len(ver) < 5 || ver[0] != 'V' {
		return fmt.Errorf("%w to V: %q", ErrSLCANReply, ver)
	}
	c.version = ver[1:]
	if sn, err := c.command("N"); err == nil {
		c.serial = strings.TrimPrefix(sn, "N")
	}
	if r, err := c.command(c.speed); err != nil || r != "" {
		return fmt.Errorf("set bit rate %s: %w", c.speed, firstErr(err, ErrSLCANReply))
	}
	if r, err := c.command("O"); err != nil || r != "" {
		return fmt.Errorf("open channel: %w", firstErr(err, ErrSLCANReply))
	}
	c.log.Infow("connected", "version", c.version, "serial", c.serial, "speed", c.speed)
	return nil
}

func firstErr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func (c *slcanChannel) drainReplies() {
	for {
		select {
		case <-c.replies:
		default:
			return
		}
	}
}

// command sends cmd and waits for the next non-frame reply line.
func (c *slcanChannel) command(cmd string) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.commandLocked(cmd)
}

func (c *slcanChannel) commandLocked(cmd string) (string, error) {
	if _, err := io.WriteString(c.port, cmd+"\r"); err != nil {
		return "", err
	}
	timer := time.NewTimer(slcanReplyTimeout)
	defer timer.Stop()
	select {
	case r := <-c.replies:
		if r == "\a" {
			return "", fmt.Errorf("%w: %q rejected", ErrSLCANReply, cmd)
		}
		return r, nil
	case <-timer.C:
		return "", fmt.Errorf("slcan: no reply to %q", cmd)
	case <-c.ctx.Done():
		return "", c.ctx.Err()
	}
}

func (c *slcanChannel) readLoop() {
	r := bufio.NewReader(c.port)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) && c.ctx.Err() == nil {
				continue
			}
			if c.ctx.Err() == nil {
				c.log.Errorw("slcan read stopped", "error", err)
			}
			return
		}
		switch b {
		case '\r':
			c.handleLine(string(line))
			line = line[:0]
		case '\a':
			line = line[:0]
			c.reply("\a")
		default:
			line = append(line, b)
		}
	}
}

func (c *slcanChannel) handleLine(line string) {
	if len(line) > 0 && (line[0] == 't' || line[0] == 'T') {
		f, err := parseSLCANFrame(line)
		if err != nil {
			c.log.Warnw("skipping malformed frame", "line", line, "error", err)
			return
		}
		ev := Event{Kind: EventRx, Channel: c.channel, Time: time.Since(c.start), Frame: f}
		atomic.StoreInt64(&c.lastTime, int64(ev.Time))
		publish(c.rxChan, ev, c.log)
		return
	}
	c.reply(line)
}

func (c *slcanChannel) reply(s string) {
	select {
	case c.replies <- s:
	default:
		c.log.Warnw("slcan reply dropped", "reply", s)
	}
}

// parseSLCANFrame decodes tiiil<data>[tttt] and Tiiiiiiiil<data>[tttt].
func parseSLCANFrame(line string) (Frame, error) {
	idLen := 3
	if line[0] == 'T' {
		idLen = 8
	}
	if len(line) < 2+idLen {
		return Frame{}, ErrFrameLength
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, err
	}
	n := int(line[1+idLen] - '0')
	if n < 0 || n > 8 {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameLength, n)
	}
	dataStart := 2 + idLen
	if len(line) < dataStart+2*n {
		return Frame{}, ErrFrameLength
	}
	data, err := ParseHex(line[dataStart : dataStart+2*n])
	if err != nil {
		return Frame{}, err
	}
	f := NewFrame(uint32(id), data)
	f.IsExtended = line[0] == 'T'
	return f, nil
}

func formatSLCANFrame(f Frame) string {
	if f.IsExtended || f.ID > MaxStandardID {
		return fmt.Sprintf("T%08X%d%s", f.ID&MaxExtendedID, f.DLC, HexString(f.Payload()))
	}
	return fmt.Sprintf("t%03X%d%s", f.ID, f.DLC, HexString(f.Payload()))
}

func (c *slcanChannel) Start() { c.log.Debug("slcan channel started") }

func (c *slcanChannel) Stop() {
	c.stopOnce.Do(func() {
		if c.port != nil {
			_, _ = io.WriteString(c.port, "C\r")
		}
		c.cancel()
		if c.port != nil {
			_ = c.port.Close()
		}
	})
}

func (c *slcanChannel) Write(f Frame) error {
	if f.DLC > 8 || f.IsFD {
		return fmt.Errorf("%w: %d bytes, CAN232 carries classic frames only", ErrFrameLength, f.DLC)
	}
	if c.port == nil {
		return ErrNotStarted
	}
	r, err := c.command(formatSLCANFrame(f))
	if err != nil {
		return err
	}
	if r != "z" && r != "Z" {
		return fmt.Errorf("%w to transmit: %q", ErrSLCANReply, r)
	}
	publish(c.rxChan, Event{Kind: EventTx, Channel: c.channel, Time: time.Since(c.start), Frame: f}, c.log)
	return nil
}

// RequestChipState reads the F status flags and reports them as a chip state event.
func (c *slcanChannel) RequestChipState() error {
	if c.port == nil {
		return ErrNotStarted
	}
	r, err := c.command("F")
	if err != nil {
		return err
	}
	if len(r) != 3 || r[0] != 'F' {
		return fmt.Errorf("%w to F: %q", ErrSLCANReply, r)
	}
	flags, err := strconv.ParseUint(r[1:], 16, 8)
	if err != nil {
		return err
	}
	cs := ChipState{Status: BusStatusActive}
	switch {
	case flags&0x20 != 0:
		cs.Status = BusStatusPassive
	case flags&0x04 != 0:
		cs.Status = BusStatusWarning
	}
	publish(c.rxChan, Event{Kind: EventChipState, Channel: c.channel, Time: time.Since(c.start), Chip: cs}, c.log)
	return nil
}

func (c *slcanChannel) FlushQueues() error { return nil }

func (c *slcanChannel) Time() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.lastTime))
}

func (c *slcanChannel) RxChan() <-chan Event     { return c.rxChan }
func (c *slcanChannel) Context() context.Context { return c.ctx }
