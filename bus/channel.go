package bus

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/dbc"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/metrics"
)

// SendOptions tune SendMessage and SendSignal.
type SendOptions struct {
	// Once sends a single frame even when the message has a period.
	Once bool
	// NotInDatabase builds an ad hoc message from a numeric id and the data.
	NotInDatabase bool
	// Period (ms) of an ad hoc message.
	Period int
	// Force skips the signal range check.
	Force bool
}

// Channel is one opened CAN channel.
type Channel struct {
	Num  int
	Baud int

	can     *CAN
	log     *zap.SugaredLogger
	metrics *metrics.Holder
	sched   *scheduler

	mu          sync.RWMutex
	drv         driver.CANDriver
	db          *dbc.Database
	queues      map[uint32]chan RxMessage
	subs        map[*Subscription]struct{}
	chip        driver.ChipState
	errorsFound bool
	lastTime    time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	rxCancel context.CancelFunc
	rxDone   chan struct{}
}

func newChannel(can *CAN, num, baud int, drv driver.CANDriver) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		Num:     num,
		Baud:    baud,
		can:     can,
		log:     can.log.With("channel", num),
		metrics: can.metrics,
		drv:     drv,
		queues:  make(map[uint32]chan RxMessage),
		subs:    make(map[*Subscription]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.sched = newScheduler(c.transmit, c.log)
	go c.sched.run(ctx)
	c.startReceive(drv)
	return c
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%d, %d Bd)", c.Num, c.Baud)
}

// SetDatabase imports a DBC file for name lookups.
func (c *Channel) SetDatabase(path string) error {
	db, err := dbc.Load(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	c.log.Infow("database imported", "path", db.Path, "messages", len(db.Messages))
	return nil
}

// DB returns the imported database or nil.
func (c *Channel) DB() *dbc.Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Channel) database() (*dbc.Database, error) {
	if db := c.DB(); db != nil {
		return db, nil
	}
	return nil, fmt.Errorf("%w on channel %d", ErrNoDatabase, c.Num)
}

func (c *Channel) currentDriver() driver.CANDriver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drv
}

// Write sends one raw frame.
func (c *Channel) Write(f driver.Frame) error {
	if err := c.currentDriver().Write(f); err != nil {
		return err
	}
	c.metrics.Frame(c.Num, metrics.DirTx)
	return nil
}

// transmit sends the current data of m, running its update hook first.
func (c *Channel) transmit(m *dbc.Message) error {
	if m.UpdateFunc != nil {
		if err := m.SetData(m.UpdateFunc(m)); err != nil {
			return fmt.Errorf("update %s: %w", m, err)
		}
	}
	data := m.Data()
	f := driver.NewFrame(m.ID, data)
	f.IsExtended = f.IsExtended || m.IsExtended
	f.IsFD = f.IsFD || m.IsFD
	f.BRS = m.BRS
	if err := c.Write(f); err != nil {
		return err
	}
	c.log.Debugw("TX", "id", fmt.Sprintf("%X", m.ID), "data", driver.HexString(data))
	return nil
}

func (c *Channel) send(m *dbc.Message, once bool) error {
	if err := c.transmit(m); err != nil {
		return err
	}
	if !once && m.Period > 0 {
		c.sched.add(m)
		c.metrics.Periodics(c.Num, len(c.sched.list()))
	}
	return nil
}

// message resolves nameOrID to a database message or, with NotInDatabase,
// builds an ad hoc one. Non-empty data replaces the message data.
func (c *Channel) message(nameOrID, data string, opts SendOptions) (*dbc.Message, error) {
	hexData := strings.ReplaceAll(strings.TrimSpace(data), " ", "")
	if opts.NotInDatabase {
		id, err := dbc.ParseMessageID(nameOrID)
		if err != nil {
			return nil, err
		}
		m := dbc.NewMessage(id, "Unknown", (len(hexData)+1)/2)
		m.Period = opts.Period
		if hexData != "" {
			if err := m.SetHexData(hexData); err != nil {
				return nil, err
			}
		}
		return m, nil
	}
	db, err := c.database()
	if err != nil {
		return nil, err
	}
	m, err := db.GetMessage(nameOrID)
	if err != nil {
		return nil, err
	}
	if hexData != "" {
		if err := m.SetHexData(hexData); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SendMessage sends a message by name or id. Messages with a period keep
// being sent until stopped unless opts.Once is set.
func (c *Channel) SendMessage(nameOrID, data string, opts SendOptions) (*dbc.Message, error) {
	m, err := c.message(nameOrID, data, opts)
	if err != nil {
		return nil, err
	}
	return m, c.send(m, opts.Once)
}

// SendPeriodic starts transmitting a message built by the caller.
func (c *Channel) SendPeriodic(m *dbc.Message) error {
	if m.Period <= 0 {
		return fmt.Errorf("%s has no period", m)
	}
	return c.send(m, false)
}

// StopMessage stops a periodic message given by name or id.
func (c *Channel) StopMessage(nameOrID string) error {
	if id, err := dbc.ParseMessageID(nameOrID); err == nil {
		if c.sched.remove(id & dbc.MaxID) {
			c.metrics.Periodics(c.Num, len(c.sched.list()))
			return nil
		}
	}
	if db := c.DB(); db != nil {
		if m, err := db.GetMessage(nameOrID); err == nil && c.sched.remove(m.ID) {
			c.metrics.Periodics(c.Num, len(c.sched.list()))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotSending, nameOrID)
}

// StopAllMessages stops every periodic message.
func (c *Channel) StopAllMessages() {
	c.sched.removeAll()
	c.metrics.Periodics(c.Num, 0)
}

// SendSignal sets a signal by short or long name and sends its message.
func (c *Channel) SendSignal(name, value string, opts SendOptions) (*dbc.Signal, error) {
	db, err := c.database()
	if err != nil {
		return nil, err
	}
	sig, err := db.GetSignal(name)
	if err != nil {
		return nil, err
	}
	if err := sig.Set(value, opts.Force); err != nil {
		return nil, err
	}
	return sig, c.send(sig.Message(), opts.Once)
}

// StopSignal stops the periodic message carrying the signal.
func (c *Channel) StopSignal(name string) error {
	db, err := c.database()
	if err != nil {
		return err
	}
	sig, err := db.GetSignal(name)
	if err != nil {
		return err
	}
	if !c.sched.remove(sig.Message().ID) {
		return fmt.Errorf("%w: %s", ErrNotSending, sig.Message())
	}
	c.metrics.Periodics(c.Num, len(c.sched.list()))
	return nil
}

// nodeName resolves a node by name or numeric source id.
func (c *Channel) nodeName(db *dbc.Database, node string) (string, error) {
	if n, err := db.GetNode(node); err == nil {
		return n.Name, nil
	}
	if id, err := dbc.ParseMessageID(node); err == nil {
		for _, n := range db.Nodes {
			if n.SourceID == int64(id) {
				return n.Name, nil
			}
		}
	}
	return "", fmt.Errorf("%w: node %s", dbc.ErrNotFound, node)
}

// StopNode stops every periodic message transmitted by node and returns how
// many were stopped.
func (c *Channel) StopNode(node string) (int, error) {
	db, err := c.database()
	if err != nil {
		return 0, err
	}
	name, err := c.nodeName(db, node)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range c.sched.list() {
		if strings.EqualFold(m.Sender, name) && c.sched.remove(m.ID) {
			n++
		}
	}
	c.metrics.Periodics(c.Num, len(c.sched.list()))
	if n == 0 {
		return 0, fmt.Errorf("%w: nothing sent by %s", ErrNotSending, name)
	}
	return n, nil
}

// StartPeriodics sends every periodic database message except those
// transmitted by exceptNode, which may be empty.
func (c *Channel) StartPeriodics(exceptNode string) (int, error) {
	db, err := c.database()
	if err != nil {
		return 0, err
	}
	if exceptNode != "" {
		if exceptNode, err = c.nodeName(db, exceptNode); err != nil {
			return 0, err
		}
	}
	n := 0
	for _, m := range db.Messages {
		if m.Period == 0 || (exceptNode != "" && strings.EqualFold(m.Sender, exceptNode)) {
			continue
		}
		if err := c.send(m, false); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Periodics returns the messages being sent, sorted by id.
func (c *Channel) Periodics() []*dbc.Message { return c.sched.list() }

// Restart reopens the driver. Periodics and queues survive.
func (c *Channel) Restart() error {
	c.stopReceive()
	c.currentDriver().Stop()
	drv, err := c.can.open(c.Num, c.Baud)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.drv = drv
	c.errorsFound = false
	c.mu.Unlock()
	c.startReceive(drv)
	c.log.Info("channel restarted")
	return nil
}

// FlushQueues clears the hardware transmit and receive queues.
func (c *Channel) FlushQueues() error { return c.currentDriver().FlushQueues() }

// PrintConfig writes the backend's hardware configuration table.
func (c *Channel) PrintConfig(w io.Writer) error {
	cfg, err := c.can.backend.Config()
	if err != nil {
		return err
	}
	cfg.Print(w, false)
	return nil
}

func (c *Channel) close() {
	c.StopAllMessages()
	c.cancel()
	c.stopReceive()
	c.currentDriver().Stop()
	c.mu.Lock()
	for s := range c.subs {
		delete(c.subs, s)
		close(s.ch)
	}
	c.mu.Unlock()
}
