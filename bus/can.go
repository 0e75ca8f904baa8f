// Package bus manages CAN channels: periodic transmission, receive queues,
// chip state tracking and ASC logging on top of a driver backend.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/asclog"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/metrics"
)

// CAN owns every opened channel of one backend and the shared ASC log.
type CAN struct {
	backend driver.Backend
	log     *zap.SugaredLogger
	metrics *metrics.Holder

	mu       sync.Mutex
	channels map[int]*Channel

	logMu sync.Mutex
	asc   *asclog.Writer
}

// Option configures a CAN manager.
type Option func(*CAN)

func WithLogger(l *zap.SugaredLogger) Option { return func(c *CAN) { c.log = l } }
func WithMetrics(h *metrics.Holder) Option   { return func(c *CAN) { c.metrics = h } }

func New(backend driver.Backend, opts ...Option) *CAN {
	c := &CAN{
		backend:  backend,
		log:      zap.NewNop().Sugar(),
		channels: make(map[int]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the hardware backend channels are opened on.
func (c *CAN) Backend() driver.Backend { return c.backend }

// AddChannel opens and starts a channel. Channel 0 is the last channel the
// driver reports. dbPath may be empty.
func (c *CAN) AddChannel(num, baud int, dbPath string) (*Channel, error) {
	cfg, err := c.backend.Config()
	if err != nil {
		return nil, err
	}
	num, _, err = cfg.Resolve(num)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[num]; ok {
		return nil, fmt.Errorf("%w: %d", ErrChannelExists, num)
	}

	drv, err := c.open(num, baud)
	if err != nil {
		return nil, err
	}
	ch := newChannel(c, num, baud, drv)
	if dbPath != "" {
		if err := ch.SetDatabase(dbPath); err != nil {
			ch.close()
			return nil, err
		}
	}
	c.channels[num] = ch
	c.log.Infow("channel added", "channel", num, "baud", baud)
	return ch, nil
}

func (c *CAN) open(num, baud int) (driver.CANDriver, error) {
	drv, err := c.backend.Open(num, baud)
	if err != nil {
		return nil, fmt.Errorf("open channel %d: %w", num, err)
	}
	if err := drv.Init(); err != nil {
		drv.Stop()
		return nil, fmt.Errorf("init channel %d: %w", num, err)
	}
	drv.Start()
	return drv, nil
}

// RemoveChannel stops periodics and closes the channel.
func (c *CAN) RemoveChannel(num int) error {
	c.mu.Lock()
	ch, ok := c.channels[num]
	delete(c.channels, num)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrChannelNotFound, num)
	}
	ch.close()
	c.log.Infow("channel removed", "channel", num)
	return nil
}

// Channel returns an added channel.
func (c *CAN) Channel(num int) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[num]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, num)
	}
	return ch, nil
}

// Channels returns a copy of the channel map.
func (c *CAN) Channels() map[int]*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]*Channel, len(c.channels))
	for k, v := range c.channels {
		out[k] = v
	}
	return out
}

func (c *CAN) sortedChannels() []*Channel {
	chans := c.Channels()
	out := make([]*Channel, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// StartLogging writes every channel's traffic to an ASC file and returns its
// absolute path. addDate appends the local time as [h-m-s].
func (c *CAN) StartLogging(path string, addDate, logErrors bool) (string, error) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.asc != nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyLogging, c.asc.Path())
	}
	now := time.Now()
	full, err := asclog.ResolvePath(path, addDate, now)
	if err != nil {
		return "", err
	}
	w, err := asclog.Create(full, logErrors, now)
	if err != nil {
		return "", err
	}
	c.asc = w
	c.log.Infow("logging started", "path", full)
	return full, nil
}

// StopLogging closes the ASC file and returns its path.
func (c *CAN) StopLogging() (string, error) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.asc == nil {
		c.log.Error("logging already stopped")
		return "", ErrNotLogging
	}
	path := c.asc.Path()
	err := c.asc.Close()
	c.asc = nil
	c.log.Infow("logging stopped", "path", path)
	return path, err
}

// LogPath is the current ASC file, empty when not logging.
func (c *CAN) LogPath() string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.asc == nil {
		return ""
	}
	return c.asc.Path()
}

func (c *CAN) logEvent(ev driver.Event) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.asc == nil {
		return
	}
	if err := c.asc.WriteEvent(ev); err != nil {
		c.log.Errorw("asc write failed", "error", err)
	}
}

// StopAllMessages stops periodic transmission on every channel.
func (c *CAN) StopAllMessages() {
	for _, ch := range c.sortedChannels() {
		ch.StopAllMessages()
	}
}

// Close stops logging, closes every channel and the backend.
func (c *CAN) Close() error {
	var errs []error
	if c.LogPath() != "" {
		if _, err := c.StopLogging(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range c.sortedChannels() {
		if err := c.RemoveChannel(ch.Num); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.backend.Close())
	return errors.Join(errs...)
}
