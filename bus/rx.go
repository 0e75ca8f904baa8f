package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/metrics"
)

// DefaultQueueSize is the receive queue depth used when none is given.
const DefaultQueueSize = 1000

// chipStateInterval paces chip state requests while queues exist, which
// keeps Time moving when the bus is quiet.
const chipStateInterval = 50 * time.Millisecond

// RxMessage is one received frame.
type RxMessage struct {
	Time time.Duration
	ID   uint32
	Data []byte
	IsFD bool
}

func (c *Channel) startReceive(drv driver.CANDriver) {
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.rxCancel = cancel
	c.rxDone = done
	c.mu.Unlock()
	go c.receive(ctx, drv, done)
}

func (c *Channel) stopReceive() {
	c.mu.Lock()
	cancel, done := c.rxCancel, c.rxDone
	c.rxCancel, c.rxDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Channel) receive(ctx context.Context, drv driver.CANDriver, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(chipStateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-drv.Context().Done():
			return
		case ev := <-drv.RxChan():
			c.handle(ev)
		case <-ticker.C:
			if c.hasQueues() {
				if err := drv.RequestChipState(); err != nil {
					c.log.Debugw("chip state request failed", "error", err)
				}
			}
		}
	}
}

func (c *Channel) handle(ev driver.Event) {
	c.mu.Lock()
	c.lastTime = ev.Time
	switch ev.Kind {
	case driver.EventChipState:
		c.chip = ev.Chip
	case driver.EventErrorFrame:
		c.errorsFound = true
	default:
		c.errorsFound = false
	}
	c.mu.Unlock()

	switch ev.Kind {
	case driver.EventErrorFrame:
		c.metrics.ErrorFrame(c.Num)
	case driver.EventRx:
		c.metrics.Frame(c.Num, metrics.DirRx)
		msg := RxMessage{
			Time: ev.Time,
			ID:   ev.Frame.ID,
			Data: append([]byte(nil), ev.Frame.Payload()...),
			IsFD: ev.Frame.IsFD,
		}
		c.enqueue(msg)
		c.publish(msg)
	}
	if ev.Kind != driver.EventChipState {
		c.can.logEvent(ev)
	}
}

func (c *Channel) hasQueues() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues) > 0
}

func (c *Channel) enqueue(msg RxMessage) {
	c.mu.RLock()
	q, ok := c.queues[msg.ID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.log.Debugw("RX", "id", fmt.Sprintf("%X", msg.ID), "data", driver.HexString(msg.Data))
	select {
	case q <- msg:
	default:
		c.metrics.Dropped(c.Num, msg.ID)
		c.log.Errorw("queue full, message dropped; raise the queue size or dequeue faster",
			"id", fmt.Sprintf("0x%X", msg.ID), "data", driver.HexString(msg.Data), "size", cap(q))
	}
}

// StartQueue queues every frame received with id. maxSize <= 0 uses
// DefaultQueueSize. An existing queue for id is replaced.
func (c *Channel) StartQueue(id uint32, maxSize int) {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	c.mu.Lock()
	c.queues[id] = make(chan RxMessage, maxSize)
	c.mu.Unlock()
}

func (c *Channel) StopQueue(id uint32) {
	c.mu.Lock()
	delete(c.queues, id)
	c.mu.Unlock()
}

// StopAllQueues drops every queue and clears the error flag.
func (c *Channel) StopAllQueues() {
	c.mu.Lock()
	c.queues = make(map[uint32]chan RxMessage)
	c.errorsFound = false
	c.mu.Unlock()
}

// DequeueMsg returns the oldest queued frame for id. With timeout <= 0 it
// does not wait.
func (c *Channel) DequeueMsg(ctx context.Context, id uint32, timeout time.Duration) (RxMessage, error) {
	c.mu.RLock()
	q, ok := c.queues[id]
	c.mu.RUnlock()
	if !ok {
		return RxMessage{}, fmt.Errorf("%w: 0x%X", ErrQueueNotStarted, id)
	}
	if timeout <= 0 {
		select {
		case msg := <-q:
			return msg, nil
		default:
			return RxMessage{}, fmt.Errorf("%w: queue 0x%X is empty", ErrTimeout, id)
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q:
		return msg, nil
	case <-ctx.Done():
		return RxMessage{}, ctx.Err()
	case <-timer.C:
		return RxMessage{}, fmt.Errorf("%w: nothing received for 0x%X in %v", ErrTimeout, id, timeout)
	}
}

// Subscription streams received frames to one consumer.
type Subscription struct {
	C   <-chan RxMessage
	ch  chan RxMessage
	ids map[uint32]bool
	c   *Channel
}

// Subscribe streams frames with the given ids, or every frame when none are
// given. Frames are dropped while the consumer lags by more than size.
func (c *Channel) Subscribe(size int, ids ...uint32) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ch := make(chan RxMessage, size)
	s := &Subscription{C: ch, ch: ch, c: c}
	if len(ids) > 0 {
		s.ids = make(map[uint32]bool, len(ids))
		for _, id := range ids {
			s.ids[id] = true
		}
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s
}

// Close stops the stream and closes C.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.subs[s]; ok {
		delete(s.c.subs, s)
		close(s.ch)
	}
}

func (c *Channel) publish(msg RxMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for s := range c.subs {
		if s.ids != nil && !s.ids[msg.ID] {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			c.metrics.Dropped(c.Num, msg.ID)
		}
	}
}

// BusStatus is the last reported chip state.
func (c *Channel) BusStatus() driver.ChipState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chip
}

// ErrorsFound reports whether the last frame seen was an error frame.
func (c *Channel) ErrorsFound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorsFound
}

// Time is the timestamp of the last event received.
func (c *Channel) Time() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTime
}
