//go:build windows && amd64

package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

const (
	vectorAppName     = "vxlcan"
	vectorRxQueueSize = 8192
	vectorRxBatch     = 256
)

// Vector drives Vector XL hardware through vxlapi64.dll.
type Vector struct {
	mu     sync.Mutex
	opts   options
	opened bool
}

// NewVector opens the XL driver. Close releases it.
func NewVector(opts ...Option) (*Vector, error) {
	v := &Vector{opts: newOptions(opts)}
	if err := xlCall(procOpenDriver); err != nil {
		return nil, err
	}
	v.opened = true
	return v, nil
}

// Config re-reads the driver config so newly connected hardware shows up.
func (v *Vector) Config() (*DriverConfig, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw := make([]byte, DriverConfigSize)
	if err := xlCall(procGetDriverConfig, uintptr(unsafe.Pointer(&raw[0]))); err != nil {
		return nil, err
	}
	cfg, err := ParseDriverConfig(raw)
	if err != nil {
		return nil, err
	}
	v.opts.logger.Debugw("vxl driver config", "channels", len(cfg.Channels), "dll", cfg.DLLVersion())
	return cfg, nil
}

// Open validates the channel against the driver config and returns it unstarted.
func (v *Vector) Open(channel int, baudRate int) (CANDriver, error) {
	cfg, err := v.Config()
	if err != nil {
		return nil, err
	}
	num, cc, err := cfg.Resolve(channel)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &vectorChannel{
		channel:  num,
		mask:     uint64(1) << (num - 1),
		config:   cc,
		baudRate: baudRate,
		opts:     v.opts,
		log:      v.opts.logger.With("channel", num),
		rxChan:   make(chan Event, v.opts.rxBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Close closes the XL driver.
func (v *Vector) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.opened {
		return nil
	}
	v.opened = false
	return xlCall(procCloseDriver)
}

type vectorChannel struct {
	mu         sync.Mutex
	channel    int
	mask       uint64
	config     ChannelConfig
	baudRate   int
	portHandle int32
	portOpen   bool
	active     bool
	lastTime   int64
	opts       options
	log        *zap.SugaredLogger
	rxChan     chan Event
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

func (c *vectorChannel) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := append([]byte(vectorAppName), 0)
	perm := c.mask
	c.portHandle = -1
	err := xlCall(procOpenPort,
		uintptr(unsafe.Pointer(&c.portHandle)),
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(c.mask),
		uintptr(unsafe.Pointer(&perm)),
		uintptr(vectorRxQueueSize),
		uintptr(xlInterfaceVersion),
		uintptr(xlBusTypeCAN),
	)
	if err != nil {
		return fmt.Errorf("open port for channel %d: %w", c.channel, err)
	}
	c.portOpen = true
	// Only the application holding init access may change the bit rate.
	if perm == c.mask {
		if err := xlCall(procSetBitrate, uintptr(c.portHandle), uintptr(c.mask), uintptr(c.baudRate)); err != nil {
			return err
		}
		_ = xlCall(procFlushTransmitQueue, uintptr(c.portHandle), uintptr(c.mask))
		_ = xlCall(procFlushReceiveQueue, uintptr(c.portHandle))
	} else {
		c.log.Warnw("no init access, bit rate left unchanged", "baud", c.baudRate)
	}
	if err := xlCall(procActivateChannel, uintptr(c.portHandle), uintptr(c.mask), xlBusTypeCAN, xlActivateResetClk); err != nil {
		return fmt.Errorf("activate channel %d: %w", c.channel, err)
	}
	c.active = true
	time.Sleep(InitDelay)
	c.log.Infow("connected", "baud", c.baudRate, "name", c.config.Name)
	return nil
}

func (c *vectorChannel) Start() {
	c.log.Debug("vector read loop started")
	go c.readLoop()
}

func (c *vectorChannel) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active {
			_ = xlCall(procDeactivateChannel, uintptr(c.portHandle), uintptr(c.mask))
			c.active = false
		}
		if c.portOpen {
			_ = xlCall(procClosePort, uintptr(c.portHandle))
			c.portOpen = false
		}
		c.log.Debug("vector channel stopped")
	})
}

func (c *vectorChannel) readLoop() {
	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()
	events := make([]xlEvent, vectorRxBatch)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for {
				count := uint32(len(events))
				c.mu.Lock()
				if !c.portOpen {
					c.mu.Unlock()
					return
				}
				status, _, _ := procReceive.Call(
					uintptr(c.portHandle),
					uintptr(unsafe.Pointer(&count)),
					uintptr(unsafe.Pointer(&events[0])),
				)
				c.mu.Unlock()
				if status == xlErrQueueIsEmpty || count == 0 {
					break
				}
				if status != xlSuccess {
					c.log.Errorw("xlReceive failed", "status", xlErrorString(status))
					break
				}
				for i := 0; i < int(count); i++ {
					ev, ok := decodeXLEvent(events[i], c.channel)
					if !ok {
						continue
					}
					atomic.StoreInt64(&c.lastTime, int64(ev.Time))
					publish(c.rxChan, ev, c.log)
				}
			}
		}
	}
}

func (c *vectorChannel) Write(f Frame) error {
	if f.DLC > 8 || f.IsFD {
		return fmt.Errorf("%w: %d bytes, the XL CAN API carries classic frames only", ErrFrameLength, f.DLC)
	}
	ev := encodeXLEvent(f)
	count := uint32(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrNotStarted
	}
	err := xlCall(procCanTransmit,
		uintptr(c.portHandle),
		uintptr(c.mask),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Pointer(&ev)),
	)
	if err != nil {
		c.log.Errorw("transmit failed", "frame", f.String(), "error", err)
		return err
	}
	c.log.Debugw("TX", "frame", f.String())
	return nil
}

func (c *vectorChannel) RequestChipState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrNotStarted
	}
	return xlCall(procRequestChipState, uintptr(c.portHandle), uintptr(c.mask))
}

// FlushQueues deactivates, flushes and reactivates the channel. This clears a
// transceiver stuck retrying an unacknowledged frame.
func (c *vectorChannel) FlushQueues() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.portOpen {
		return ErrNotStarted
	}
	var errs []error
	errs = append(errs, xlCall(procDeactivateChannel, uintptr(c.portHandle), uintptr(c.mask)))
	errs = append(errs, xlCall(procFlushTransmitQueue, uintptr(c.portHandle), uintptr(c.mask)))
	errs = append(errs, xlCall(procFlushReceiveQueue, uintptr(c.portHandle)))
	errs = append(errs, xlCall(procActivateChannel, uintptr(c.portHandle), uintptr(c.mask), xlBusTypeCAN, xlActivateResetClk))
	return errors.Join(errs...)
}

func (c *vectorChannel) Time() time.Duration {
	var t uint64
	c.mu.Lock()
	if c.portOpen {
		if err := xlCall(procGetSyncTime, uintptr(c.portHandle), uintptr(unsafe.Pointer(&t))); err == nil {
			c.mu.Unlock()
			return time.Duration(t)
		}
	}
	c.mu.Unlock()
	return time.Duration(atomic.LoadInt64(&c.lastTime))
}

func (c *vectorChannel) RxChan() <-chan Event     { return c.rxChan }
func (c *vectorChannel) Context() context.Context { return c.ctx }
