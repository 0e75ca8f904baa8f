//go:build linux

package driver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/zap"
)

// SocketCAN maps channel N to the network interface <prefix><N-1>.
type SocketCAN struct {
	prefix string
	opts   options
}

// NewSocketCAN returns a backend for Linux CAN interfaces such as can0 or vcan0.
func NewSocketCAN(prefix string, opts ...Option) (Backend, error) {
	if prefix == "" {
		prefix = "can"
	}
	return &SocketCAN{prefix: prefix, opts: newOptions(opts)}, nil
}

func (s *SocketCAN) Config() (*DriverConfig, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	cfg := &DriverConfig{}
	for _, ifc := range ifaces {
		if !strings.HasPrefix(ifc.Name, s.prefix) {
			continue
		}
		idx := len(cfg.Channels)
		cfg.Channels = append(cfg.Channels, ChannelConfig{
			Name:            ifc.Name,
			ChannelIndex:    byte(idx),
			ChannelMask:     uint64(1) << idx,
			BusCapabilities: CANSupported,
			IsOnBus:         ifc.Flags&net.FlagUp != 0,
		})
	}
	return cfg, nil
}

func (s *SocketCAN) Open(channel int, baudRate int) (CANDriver, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	num, cc, err := cfg.Resolve(channel)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &socketCANChannel{
		iface:    cc.Name,
		channel:  num,
		baudRate: baudRate,
		log:      s.opts.logger.With("channel", num, "iface", cc.Name),
		rxChan:   make(chan Event, s.opts.rxBufferSize),
		start:    time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (s *SocketCAN) Close() error { return nil }

type socketCANChannel struct {
	mu       sync.Mutex
	iface    string
	channel  int
	baudRate int
	conn     net.Conn
	tx       *socketcan.Transmitter
	rx       *socketcan.Receiver
	lastTime int64
	start    time.Time
	log      *zap.SugaredLogger
	rxChan   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
}

func (c *socketCANChannel) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := socketcan.DialContext(c.ctx, "can", c.iface)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.iface, err)
	}
	c.conn = conn
	c.tx = socketcan.NewTransmitter(conn)
	c.rx = socketcan.NewReceiver(conn)
	// The bit rate belongs to the interface (ip link set ... bitrate), not the socket.
	c.log.Infow("connected", "baud", c.baudRate)
	return nil
}

func (c *socketCANChannel) Start() {
	go c.readLoop()
}

func (c *socketCANChannel) readLoop() {
	for c.rx.Receive() {
		ev := Event{Channel: c.channel, Time: time.Since(c.start)}
		if c.rx.HasErrorFrame() {
			ev.Kind = EventErrorFrame
		} else {
			f := c.rx.Frame()
			ev.Kind = EventRx
			ev.Frame = Frame{ID: f.ID, DLC: f.Length, IsExtended: f.IsExtended}
			copy(ev.Frame.Data[:], f.Data[:f.Length])
		}
		atomic.StoreInt64(&c.lastTime, int64(ev.Time))
		publish(c.rxChan, ev, c.log)
	}
	if err := c.rx.Err(); err != nil && c.ctx.Err() == nil {
		c.log.Errorw("socketcan receive stopped", "error", err)
	}
}

func (c *socketCANChannel) Stop() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *socketCANChannel) Write(f Frame) error {
	if f.DLC > 8 || f.IsFD {
		return fmt.Errorf("%w: %d bytes, CAN FD is not supported on socketcan", ErrFrameLength, f.DLC)
	}
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx == nil {
		return ErrNotStarted
	}
	frame := can.Frame{ID: f.ID, Length: f.DLC, IsExtended: f.IsExtended || f.ID > MaxStandardID}
	copy(frame.Data[:], f.Data[:8])
	ctx, cancel := context.WithTimeout(c.ctx, time.Second)
	defer cancel()
	if err := tx.TransmitFrame(ctx, frame); err != nil {
		return err
	}
	// The kernel does not loop our own frames back to this socket, so echo here.
	ev := Event{Kind: EventTx, Channel: c.channel, Time: time.Since(c.start), Frame: f}
	publish(c.rxChan, ev, c.log)
	return nil
}

// RequestChipState answers from the socket side: SocketCAN reports controller
// problems as error frames, so a healthy socket reads as active.
func (c *socketCANChannel) RequestChipState() error {
	ev := Event{Kind: EventChipState, Channel: c.channel, Time: time.Since(c.start), Chip: ChipState{Status: BusStatusActive}}
	publish(c.rxChan, ev, c.log)
	return nil
}

func (c *socketCANChannel) FlushQueues() error { return nil }

func (c *socketCANChannel) Time() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.lastTime))
}

func (c *socketCANChannel) RxChan() <-chan Event     { return c.rxChan }
func (c *socketCANChannel) Context() context.Context { return c.ctx }
