// Package udsclient sends ISO 14229-1 diagnostic services over an ISO-TP link
// on a bus channel.
package udsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
	"github.com/LoveWonYoung/vxlcan/dbc"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/metrics"
	"github.com/LoveWonYoung/vxlcan/tp_layer"
)

const (
	adapterRxBufferSize = 100
	adapterTxBufferSize = 100
)

var (
	ErrNoResponse         = errors.New("uds: no response")
	ErrUnexpectedResponse = errors.New("uds: unexpected response")
	ErrClosed             = errors.New("uds: client closed")
	ErrInvalidArgument    = errors.New("uds: invalid argument")
)

// Config selects the request and response messages and the timing.
type Config struct {
	// TxID and RxID are message names from the channel database or numeric ids.
	TxID string
	RxID string

	// P2Server is how long to wait for the first response, P2StarServer how
	// long to keep waiting after each response pending.
	P2Server     time.Duration
	P2StarServer time.Duration

	Padding byte
	// DataLengthOptimization sends classic frames shorter than 8 bytes unpadded.
	DataLengthOptimization bool

	// BusyRetries is how often a busy repeat request is retried, BusyDelay
	// the pause before each retry.
	BusyRetries int
	BusyDelay   time.Duration

	ISOTP tp_layer.Config
}

// DefaultConfig returns P2 50 ms, P2* 5000 ms and 0xCC padding.
func DefaultConfig() Config {
	return Config{
		P2Server:     50 * time.Millisecond,
		P2StarServer: 5000 * time.Millisecond,
		Padding:      tp_layer.DefaultPaddingByte,
		BusyRetries:  3,
		BusyDelay:    100 * time.Millisecond,
		ISOTP:        tp_layer.DefaultConfig(),
	}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.SugaredLogger) Option { return func(c *Client) { c.log = l } }
func WithMetrics(h *metrics.Holder) Option   { return func(c *Client) { c.metrics = h } }

// Client owns one ISO-TP link. Requests are serialized.
type Client struct {
	cfg     Config
	ch      *bus.Channel
	stack   *tp_layer.Transport
	sub     *bus.Subscription
	log     *zap.SugaredLogger
	metrics *metrics.Holder

	txID, rxID uint32
	maxDLC     int

	reqMu sync.Mutex

	mu      sync.Mutex
	lastNRC byte
	tester  *dbc.Message

	ctx    context.Context
	cancel context.CancelFunc
}

// lookup resolves a database message or a numeric id. Ids not in the
// database get a classic 8 byte frame.
func lookup(ch *bus.Channel, nameOrID string) (uint32, int, error) {
	if db := ch.DB(); db != nil {
		if m, err := db.GetMessage(nameOrID); err == nil {
			return m.ID, m.DLC, nil
		}
	}
	id, err := dbc.ParseMessageID(nameOrID)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: message %s", dbc.ErrNotFound, nameOrID)
	}
	return id & dbc.MaxID, 8, nil
}

// New connects a client to ch and starts the ISO-TP link.
func New(ch *bus.Channel, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{cfg: cfg, ch: ch, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(c)
	}

	txID, txDLC, err := lookup(ch, cfg.TxID)
	if err != nil {
		return nil, fmt.Errorf("tx message: %w", err)
	}
	rxID, _, err := lookup(ch, cfg.RxID)
	if err != nil {
		return nil, fmt.Errorf("rx message: %w", err)
	}
	mode := tp_layer.Normal11Bit
	if txID > driver.MaxStandardID || rxID > driver.MaxStandardID {
		mode = tp_layer.Normal29Bit
	}
	addr, err := tp_layer.NewAddress(mode, tp_layer.WithTxID(txID), tp_layer.WithRxID(rxID))
	if err != nil {
		return nil, err
	}

	iso := cfg.ISOTP
	iso = iso.WithPadding(cfg.Padding)
	iso.DataLengthOptimization = cfg.DataLengthOptimization
	iso.Logger = c.log
	stack := tp_layer.NewTransport(addr, iso)
	c.maxDLC = 8
	if txDLC > 8 {
		stack.SetFDMode(true)
		c.maxDLC = driver.NextFDLength(txDLC)
		stack.MaxDataLength = c.maxDLC
	}
	c.stack, c.txID, c.rxID = stack, txID, rxID
	c.log = c.log.With("tx", fmt.Sprintf("0x%X", txID), "rx", fmt.Sprintf("0x%X", rxID))

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sub = ch.Subscribe(adapterRxBufferSize, rxID)
	rx := make(chan tp_layer.CanMessage, adapterRxBufferSize)
	tx := make(chan tp_layer.CanMessage, adapterTxBufferSize)
	go c.bridgeRx(rx, addr.Is29Bit())
	go c.bridgeTx(tx)
	go stack.Run(c.ctx, rx, tx)

	c.log.Infow("uds client started", "mode", mode.String(), "maxDLC", c.maxDLC)
	return c, nil
}

// bridgeRx feeds frames from the channel subscription into the link.
func (c *Client) bridgeRx(rx chan<- tp_layer.CanMessage, extended bool) {
	defer close(rx)
	for {
		select {
		case <-c.ctx.Done():
			return
		case m, ok := <-c.sub.C:
			if !ok {
				return
			}
			msg := tp_layer.CanMessage{ArbitrationID: m.ID, Data: m.Data, IsExtendedID: extended, IsFD: m.IsFD}
			select {
			case rx <- msg:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// bridgeTx writes frames produced by the link to the channel.
func (c *Client) bridgeTx(tx <-chan tp_layer.CanMessage) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-tx:
			f := driver.NewFrame(msg.ArbitrationID, msg.Data)
			f.IsExtended = f.IsExtended || msg.IsExtendedID
			f.IsFD = f.IsFD || msg.IsFD
			f.BRS = msg.BitrateSwitch
			if err := c.ch.Write(f); err != nil {
				c.log.Warnw("write failed", "frame", f.String(), "error", err)
			}
		}
	}
}

// Config returns the settings the client was created with.
func (c *Client) Config() Config { return c.cfg }

// TxID and RxID are the resolved arbitration ids.
func (c *Client) TxID() uint32 { return c.txID }
func (c *Client) RxID() uint32 { return c.rxID }

// LastNRC is the code of the last negative response, 0 when the last request
// got a positive one.
func (c *Client) LastNRC() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNRC
}

func (c *Client) setLastNRC(code byte) {
	c.mu.Lock()
	c.lastNRC = code
	c.mu.Unlock()
}

// SendService sends sid with data and returns the positive response without
// the response SID. Negative responses are returned as *NRCError. Busy repeat
// requests are retried.
func (c *Client) SendService(ctx context.Context, sid byte, data []byte) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.setLastNRC(0)

	req := make([]byte, 0, len(data)+1)
	req = append(req, sid)
	req = append(req, data...)

	var resp []byte
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.BusyDelay), uint64(c.cfg.BusyRetries))
	err := backoff.Retry(func() error {
		r, err := c.request(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		var nrc *NRCError
		if errors.As(err, &nrc) && nrc.IsRetryable() {
			c.log.Infow("busy, repeating request", "sid", fmt.Sprintf("0x%02X", sid))
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))

	var nrc *NRCError
	switch {
	case err == nil:
		c.metrics.UDS(sid, metrics.ResultOK)
	case errors.As(err, &nrc):
		c.metrics.UDS(sid, metrics.ResultNegative)
		c.log.Infow("negative response", "sid", fmt.Sprintf("0x%02X", sid), "nrc", fmt.Sprintf("0x%02X", nrc.Code), "text", nrc.Text)
	default:
		c.metrics.UDS(sid, metrics.ResultError)
	}
	return resp, err
}

// request runs one exchange: send, wait for the link to finish sending,
// then wait P2 for a response and P2* after every response pending.
func (c *Client) request(ctx context.Context, req []byte) ([]byte, error) {
	sid := req[0]
	c.stack.ClearRx()
	drain(c.stack.ErrorChan)
	drainDone(c.stack.TxDone)

	if err := c.stack.SendContext(ctx, req, tp_layer.Physical); err != nil {
		return nil, err
	}
	c.log.Debugw("request", "data", driver.HexString(req))

	select {
	case <-c.stack.TxDone:
	case err := <-c.stack.ErrorChan:
		return nil, fmt.Errorf("send 0x%02X: %w", sid, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}

	timeout := c.cfg.P2Server
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		case err := <-c.stack.ErrorChan:
			return nil, fmt.Errorf("receive 0x%02X: %w", sid, err)
		case <-timer.C:
			// consecutive frame timing is up to the link
			if c.stack.Receiving() {
				timer.Reset(timeout)
				continue
			}
			return nil, fmt.Errorf("%w to 0x%02X within %v", ErrNoResponse, sid, timeout)
		case resp := <-c.stack.RxChan():
			c.log.Debugw("response", "data", driver.HexString(resp))
			if len(resp) == 0 {
				continue
			}
			if resp[0] == 0x7F {
				if len(resp) < 3 || resp[1] != sid {
					continue
				}
				if resp[2] == NRCResponsePending {
					timeout = c.cfg.P2StarServer
					stopTimer(timer)
					timer.Reset(timeout)
					continue
				}
				c.setLastNRC(resp[2])
				return nil, newNRCError(sid, resp[2])
			}
			if resp[0] != sid|0x40 {
				return nil, fmt.Errorf("%w: SID 0x%02X to request 0x%02X", ErrUnexpectedResponse, resp[0], sid)
			}
			return resp[1:], nil
		}
	}
}

func drain(ch chan error) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func drainDone(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
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

// Close stops tester present and the link.
func (c *Client) Close() {
	if err := c.StopTesterPresent(); err != nil {
		c.log.Debugw("stop tester present", "error", err)
	}
	c.cancel()
	c.sub.Close()
	c.log.Info("uds client closed")
}

// IsClosed reports whether Close was called.
func (c *Client) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
