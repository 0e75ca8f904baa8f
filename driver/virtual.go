package driver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Virtual is an in-process bus shared by a fixed number of channels. It needs
// no hardware and is used for development and tests.
type Virtual struct {
	mu        sync.Mutex
	opts      options
	start     time.Time
	channels  []ChannelConfig
	open      map[int]*VirtualChannel
	writeLog  []WriteRecord
	responses []VirtualResponse
}

// WriteRecord is one frame written to the virtual bus.
type WriteRecord struct {
	Channel   int
	Frame     Frame
	Timestamp time.Time
}

// VirtualResponse answers a written frame automatically, like an ECU would.
type VirtualResponse struct {
	TriggerID   uint32
	TriggerData []byte // prefix match, empty matches anything
	ResponseID  uint32
	Response    []byte
	Delay       time.Duration
}

// NewVirtual creates a bus with n channels named like the Vector virtual channels.
func NewVirtual(n int, opts ...Option) *Virtual {
	v := &Virtual{
		opts:  newOptions(opts),
		start: time.Now(),
		open:  make(map[int]*VirtualChannel),
	}
	for i := 0; i < n; i++ {
		v.channels = append(v.channels, ChannelConfig{
			Name:            fmt.Sprintf("Virtual Channel %d", i+1),
			HwType:          1,
			HwChannel:       byte(i),
			ChannelIndex:    byte(i),
			ChannelMask:     uint64(1) << i,
			BusCapabilities: CANSupported,
		})
	}
	return v
}

func (v *Virtual) Config() (*DriverConfig, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &DriverConfig{Version: 0x0B0A0001, Channels: append([]ChannelConfig(nil), v.channels...)}, nil
}

func (v *Virtual) Open(channel int, baudRate int) (CANDriver, error) {
	cfg, _ := v.Config()
	num, _, err := cfg.Resolve(channel)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &VirtualChannel{
		bus:      v,
		channel:  num,
		baudRate: baudRate,
		log:      v.opts.logger.With("channel", num, "backend", "virtual"),
		rxChan:   make(chan Event, v.opts.rxBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	chans := make([]*VirtualChannel, 0, len(v.open))
	for _, c := range v.open {
		chans = append(chans, c)
	}
	v.mu.Unlock()
	for _, c := range chans {
		c.Stop()
	}
	return nil
}

func (v *Virtual) now() time.Duration { return time.Since(v.start) }

// write delivers f as an Rx event to every other running channel, echoes it
// back to the writer and fires matching preset responses.
func (v *Virtual) write(from *VirtualChannel, f Frame) {
	v.mu.Lock()
	v.writeLog = append(v.writeLog, WriteRecord{Channel: from.channel, Frame: f, Timestamp: time.Now()})
	targets := make([]*VirtualChannel, 0, len(v.open))
	for _, c := range v.open {
		targets = append(targets, c)
	}
	var fire []VirtualResponse
	for _, r := range v.responses {
		if r.TriggerID == f.ID && bytes.HasPrefix(f.Payload(), r.TriggerData) {
			fire = append(fire, r)
		}
	}
	v.mu.Unlock()

	t := v.now()
	for _, c := range targets {
		kind := EventRx
		if c == from {
			kind = EventTx
		}
		c.deliver(Event{Kind: kind, Channel: c.channel, Time: t, Frame: f})
	}
	for _, r := range fire {
		go func(r VirtualResponse) {
			if r.Delay > 0 {
				time.Sleep(r.Delay)
			}
			_ = v.InjectMessage(NewFrame(r.ResponseID, r.Response))
		}(r)
	}
}

// InjectMessage puts a frame on the bus as if a remote node had sent it.
func (v *Virtual) InjectMessage(f Frame) error {
	return v.inject(Event{Kind: EventRx, Frame: f})
}

// InjectErrorFrame reports an error frame on every running channel.
func (v *Virtual) InjectErrorFrame() error {
	return v.inject(Event{Kind: EventErrorFrame})
}

// SetChipState reports a chip state change on every running channel.
func (v *Virtual) SetChipState(cs ChipState) error {
	return v.inject(Event{Kind: EventChipState, Chip: cs})
}

func (v *Virtual) inject(ev Event) error {
	v.mu.Lock()
	targets := make([]*VirtualChannel, 0, len(v.open))
	for _, c := range v.open {
		targets = append(targets, c)
	}
	v.mu.Unlock()
	if len(targets) == 0 {
		return ErrNotStarted
	}
	ev.Time = v.now()
	for _, c := range targets {
		e := ev
		e.Channel = c.channel
		c.deliver(e)
	}
	return nil
}

// AddResponse registers a preset response.
func (v *Virtual) AddResponse(r VirtualResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = append(v.responses, r)
}

func (v *Virtual) ClearResponses() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = nil
}

// WriteLog returns a copy of every frame written so far.
func (v *Virtual) WriteLog() []WriteRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]WriteRecord(nil), v.writeLog...)
}

func (v *Virtual) ClearWriteLog() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writeLog = nil
}

// VirtualChannel is one channel on a Virtual bus.
type VirtualChannel struct {
	mu       sync.Mutex
	bus      *Virtual
	channel  int
	baudRate int
	running  bool
	lastTime time.Duration
	chip     ChipState
	log      *zap.SugaredLogger
	rxChan   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
}

func (c *VirtualChannel) Init() error {
	c.log.Infow("connected", "baud", c.baudRate)
	return nil
}

func (c *VirtualChannel) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.chip = ChipState{Status: BusStatusActive}
	c.mu.Unlock()

	c.bus.mu.Lock()
	c.bus.open[c.channel] = c
	c.bus.mu.Unlock()
}

func (c *VirtualChannel) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.bus.mu.Lock()
	if c.bus.open[c.channel] == c {
		delete(c.bus.open, c.channel)
	}
	c.bus.mu.Unlock()
	c.cancel()
}

func (c *VirtualChannel) Write(f Frame) error {
	if f.DLC > 64 || (!f.IsFD && f.DLC > 8) {
		return fmt.Errorf("%w: %d", ErrFrameLength, f.DLC)
	}
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	c.log.Debugw("TX", "frame", f.String())
	c.bus.write(c, f)
	return nil
}

func (c *VirtualChannel) deliver(ev Event) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.lastTime = ev.Time
	if ev.Kind == EventChipState {
		c.chip = ev.Chip
	}
	c.mu.Unlock()
	publish(c.rxChan, ev, c.log)
}

func (c *VirtualChannel) RequestChipState() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotStarted
	}
	cs := c.chip
	c.mu.Unlock()
	c.deliver(Event{Kind: EventChipState, Channel: c.channel, Time: c.bus.now(), Chip: cs})
	return nil
}

func (c *VirtualChannel) FlushQueues() error {
	for {
		select {
		case <-c.rxChan:
		default:
			return nil
		}
	}
}

func (c *VirtualChannel) Time() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTime
}

func (c *VirtualChannel) RxChan() <-chan Event     { return c.rxChan }
func (c *VirtualChannel) Context() context.Context { return c.ctx }
