package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/dbc"
)

// scheduler transmits periodic messages. It ticks at the greatest common
// divisor of all periods and wraps its elapsed counter at their least common
// multiple, so every message fires exactly when elapsed is a multiple of its
// period.
type scheduler struct {
	mu       sync.Mutex
	messages map[uint32]*dbc.Message
	tick     int // ms
	lcm      int // ms
	elapsed  int // ms
	wake     chan struct{}
	send     func(*dbc.Message) error
	log      *zap.SugaredLogger
}

func newScheduler(send func(*dbc.Message) error, log *zap.SugaredLogger) *scheduler {
	return &scheduler{
		messages: make(map[uint32]*dbc.Message),
		wake:     make(chan struct{}, 1),
		send:     send,
		log:      log,
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// updateTimes recomputes the tick and wrap point and wakes the loop when the
// tick changed. elapsed stays a multiple of the tick. Callers hold s.mu.
func (s *scheduler) updateTimes() {
	old := s.tick
	s.tick, s.lcm = 0, 0
	for _, m := range s.messages {
		if s.tick == 0 {
			s.tick, s.lcm = m.Period, m.Period
			continue
		}
		s.tick = gcd(s.tick, m.Period)
		s.lcm = s.lcm / gcd(s.lcm, m.Period) * m.Period
	}
	if s.tick == old {
		return
	}
	if s.tick == 0 {
		s.elapsed = 0
	} else {
		s.elapsed %= s.lcm
		s.elapsed -= s.elapsed % s.tick
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) add(m *dbc.Message) {
	if m.Period <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	m.SetSending(true)
	s.updateTimes()
	s.log.Debugw("periodic added", "msg", m.String(), "data", m.HexData(), "period", m.Period)
}

func (s *scheduler) remove(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	m.SetSending(false)
	delete(s.messages, id)
	s.updateTimes()
	s.log.Debugw("periodic removed", "msg", m.String())
	return true
}

func (s *scheduler) removeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		m.SetSending(false)
		delete(s.messages, id)
	}
	s.updateTimes()
}

func (s *scheduler) get(id uint32) (*dbc.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// list returns the periodic messages sorted by id.
func (s *scheduler) list() []*dbc.Message {
	s.mu.Lock()
	out := make([]*dbc.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// due returns the messages to send on this tick and advances elapsed.
func (s *scheduler) due() []*dbc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dbc.Message
	for _, m := range s.messages {
		if s.elapsed%m.Period == 0 {
			out = append(out, m)
		}
	}
	if s.elapsed >= s.lcm {
		s.elapsed = s.tick
	} else {
		s.elapsed += s.tick
	}
	return out
}

func (s *scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.tick) * time.Millisecond
}

// run sends due messages every tick. The timer is only re-armed early when
// the tick itself changes.
func (s *scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			stopTimer(timer)
			if d := s.interval(); d > 0 {
				timer.Reset(d)
			}
		case <-timer.C:
			if d := s.interval(); d > 0 {
				timer.Reset(d)
			}
			for _, m := range s.due() {
				if err := s.send(m); err != nil {
					s.log.Warnw("periodic transmit failed", "msg", m.String(), "error", err)
				}
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
