package udsclient

import (
	"fmt"
	"time"

	"github.com/LoveWonYoung/vxlcan/dbc"
)

// DefaultTesterPresentPeriod is how often tester present is sent.
const DefaultTesterPresentPeriod = 2000 * time.Millisecond

// StartTesterPresent sends 02 3E 80 periodically on id, or on the request id
// when id is 0. The positive response is suppressed so it never interferes
// with other requests.
func (c *Client) StartTesterPresent(id uint32, period time.Duration) error {
	if id == 0 {
		id = c.txID
	}
	if period <= 0 {
		period = DefaultTesterPresentPeriod
	}
	dlc := c.maxDLC
	if c.cfg.DataLengthOptimization {
		dlc = 3
	}
	data := make([]byte, dlc)
	copy(data, []byte{0x02, SIDTesterPresent, 0x80})
	for i := 3; i < dlc; i++ {
		data[i] = c.cfg.Padding
	}
	m := dbc.NewMessage(id, "TesterPresent", dlc)
	if err := m.SetData(data); err != nil {
		return err
	}
	m.Period = int(period / time.Millisecond)
	if m.Period == 0 {
		m.Period = 1
	}

	if err := c.StopTesterPresent(); err != nil {
		return err
	}
	if err := c.ch.SendPeriodic(m); err != nil {
		return err
	}
	c.mu.Lock()
	c.tester = m
	c.mu.Unlock()
	c.log.Infow("tester present started", "id", fmt.Sprintf("0x%X", id), "period", period)
	return nil
}

// StopTesterPresent stops tester present. It does nothing when not started.
func (c *Client) StopTesterPresent() error {
	c.mu.Lock()
	m := c.tester
	c.tester = nil
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	c.log.Info("tester present stopped")
	return c.ch.StopMessage(fmt.Sprintf("0x%X", m.ID))
}
