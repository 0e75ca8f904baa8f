package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LoveWonYoung/vxlcan/dbc"
	"github.com/LoveWonYoung/vxlcan/driver"
)

const errorPollInterval = time.Millisecond

// pattern is hex data where '*' matches any nibble. It is compared from the
// first byte of the frame.
type pattern string

func compilePattern(s string) (pattern, error) {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	s = strings.TrimPrefix(s, "0X")
	for _, r := range s {
		if r != '*' && !strings.ContainsRune("0123456789ABCDEF", r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPattern, s)
		}
	}
	return pattern(s), nil
}

func (p pattern) match(data []byte) bool {
	h := driver.HexString(data)
	if len(p) > len(h) {
		return false
	}
	for i := 0; i < len(p); i++ {
		if p[i] != '*' && p[i] != h[i] {
			return false
		}
	}
	return true
}

// waitUntil polls cond until it holds. timeout <= 0 waits for ctx only.
func waitUntil(ctx context.Context, timeout time.Duration, cond func() bool) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(errorPollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// WaitForNoError blocks until the bus leaves the error state.
func (c *Channel) WaitForNoError(ctx context.Context, timeout time.Duration) error {
	return waitUntil(ctx, timeout, func() bool { return !c.ErrorsFound() })
}

// WaitForError blocks until an error frame is seen, then restarts the channel
// to clear the controller's error queue.
func (c *Channel) WaitForError(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	c.errorsFound = false
	c.mu.Unlock()
	if err := waitUntil(ctx, timeout, c.ErrorsFound); err != nil {
		return err
	}
	c.log.Warn("error frames on the bus, restarting channel")
	return c.Restart()
}

// resolveID maps a database name or a number to a CAN id.
func (c *Channel) resolveID(nameOrID string) (uint32, bool, error) {
	if db := c.DB(); db != nil {
		if m, err := db.GetMessage(nameOrID); err == nil {
			return m.ID, true, nil
		}
	}
	id, err := dbc.ParseMessageID(nameOrID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: message %s", dbc.ErrNotFound, nameOrID)
	}
	return id & dbc.MaxID, false, nil
}

// WaitFor blocks until a frame with nameOrID's id whose data matches data
// arrives and returns its payload. An empty data pattern matches any frame.
func (c *Channel) WaitFor(ctx context.Context, nameOrID, data string, timeout time.Duration) ([]byte, error) {
	id, _, err := c.resolveID(nameOrID)
	if err != nil {
		return nil, err
	}
	p, err := compilePattern(data)
	if err != nil {
		return nil, err
	}
	sub := c.Subscribe(DefaultQueueSize, id)
	defer sub.Close()
	return c.await(ctx, sub, p, timeout)
}

func (c *Channel) await(ctx context.Context, sub *Subscription, p pattern, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
			}
			return nil, ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil, ErrClosed
			}
			if p.match(msg.Data) {
				return msg.Data, nil
			}
		}
	}
}

// SendRecv sends txData on txID once and returns the first frame received
// on rxID that matches rxData. Ids missing from the database are sent ad hoc.
func (c *Channel) SendRecv(ctx context.Context, txID, txData, rxID, rxData string, timeout time.Duration) ([]byte, error) {
	rx, _, err := c.resolveID(rxID)
	if err != nil {
		return nil, err
	}
	_, inDB, err := c.resolveID(txID)
	if err != nil {
		return nil, err
	}
	p, err := compilePattern(rxData)
	if err != nil {
		return nil, err
	}
	sub := c.Subscribe(DefaultQueueSize, rx)
	defer sub.Close()
	if _, err := c.SendMessage(txID, txData, SendOptions{Once: true, NotInDatabase: !inDB}); err != nil {
		return nil, err
	}
	return c.await(ctx, sub, p, timeout)
}
