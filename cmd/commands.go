package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
	"github.com/LoveWonYoung/vxlcan/config"
	"github.com/LoveWonYoung/vxlcan/dbc"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/metrics"
)

const (
	diagTimeout   = time.Second
	defaultLogRef = "CAN-log"
)

var (
	errQuit           = errors.New("quit")
	errInvalidCommand = errors.New("invalid command")
	errUsage          = errors.New("invalid number of arguments")
)

// commander runs text commands against one channel. Commands are serialized.
type commander struct {
	can      *bus.CAN
	ch       *bus.Channel
	log      *zap.SugaredLogger
	metrics  *metrics.Holder
	initFile string

	mu          sync.Mutex
	lastMessage *dbc.Message
	lastSignal  *dbc.Signal
	diag        *diagSession
}

func newCommander(can *bus.CAN, ch *bus.Channel, lg *zap.SugaredLogger, m *metrics.Holder, initFile string) *commander {
	return &commander{can: can, ch: ch, log: lg, metrics: m, initFile: initFile}
}

// run executes one command line and writes its output to w. The returned
// reply is what network clients get back. errQuit asks the caller to stop.
func (c *commander) run(ctx context.Context, w io.Writer, line string) (string, error) {
	s := strings.Fields(line)
	if len(s) == 0 {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debugw("command", "args", s)

	switch s[0] {
	case "exit", "q":
		return "", errQuit
	case "alive":
		fmt.Fprintln(w, "yes")
		return "yes", nil
	case "h", "help":
		printHelp(w)
		return "", nil
	case "restart":
		return "", c.ch.Restart()
	case "send":
		return c.send(ctx, w, s[1:])
	case "kill":
		return "", c.kill(strings.Join(s[1:], " "))
	case "killnode":
		if len(s) != 2 {
			return "", errUsage
		}
		n, err := c.ch.StopNode(s[1])
		if err == nil {
			fmt.Fprintf(w, "Stopped %d periodics\n", n)
		}
		return "", err
	case "killall":
		c.ch.StopAllMessages()
		return "", nil
	case "find":
		return "", c.find(w, s[1:])
	case "periodics":
		return "", c.periodics(w, s[1:])
	case "log":
		return c.logCommand(w, s[1:])
	case "config":
		if err := c.ch.PrintConfig(w); err != nil {
			return "", err
		}
		fmt.Fprintf(w, "Connected to channel: %d @ %dBd!\n", c.ch.Num, c.ch.Baud)
		return "", nil
	case "init":
		node := ""
		if len(s) > 1 {
			node = s[1]
		}
		return "", c.initBus(w, node)
	case "waitfor":
		return c.waitFor(ctx, w, s[1:])
	case "uds":
		return c.uds(ctx, w, s[1:])
	}
	return "", fmt.Errorf("%w: %s", errInvalidCommand, s[0])
}

func (c *commander) inDatabase(nameOrID string) bool {
	db := c.ch.DB()
	if db == nil {
		return false
	}
	_, err := db.GetMessage(nameOrID)
	return err == nil
}

func (c *commander) sendMessage(w io.Writer, nameOrID, data string) error {
	m, err := c.ch.SendMessage(nameOrID, data, bus.SendOptions{NotInDatabase: !c.inDatabase(nameOrID)})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Sent %s: %s\n", m, m.HexData())
	return nil
}

func (c *commander) send(ctx context.Context, w io.Writer, s []string) (string, error) {
	if len(s) == 0 {
		return "", fmt.Errorf("send requires more arguments: %w", errUsage)
	}
	switch s[0] {
	case "message":
		switch len(s) {
		case 2:
			return "", c.sendMessage(w, s[1], "")
		case 3:
			return "", c.sendMessage(w, s[1], s[2])
		}
		return "", errUsage
	case "signal":
		return "", c.sendSignal(w, s[1:])
	case "diag":
		var tx, data, rx, rxData string
		timeout := diagTimeout
		switch len(s) {
		case 3:
			tx, rx = s[1], s[2]
		case 4:
			tx, data, rx = s[1], s[2], s[3]
		case 5:
			tx, data, rx, rxData = s[1], s[2], s[3], s[4]
		case 6:
			tx, data, rx, rxData = s[1], s[2], s[3], s[4]
			var err error
			if timeout, err = parseMillis(s[5]); err != nil {
				return "", err
			}
		default:
			return "", errUsage
		}
		resp, err := c.ch.SendRecv(ctx, tx, data, rx, rxData, timeout)
		if err != nil {
			return "", err
		}
		reply := driver.HexString(resp)
		fmt.Fprintln(w, reply)
		return reply, nil
	case "lastfound":
		if len(s) < 3 {
			return "", fmt.Errorf("lastfound requires a type and value: %w", errUsage)
		}
		value := strings.Join(s[2:], " ")
		switch s[1] {
		case "message":
			if c.lastMessage == nil {
				return "", errors.New("no messages found in the last search")
			}
			return "", c.sendMessage(w, fmt.Sprintf("0x%X", c.lastMessage.ID), value)
		case "signal":
			if c.lastSignal == nil {
				return "", errors.New("no signals found in the last search")
			}
			sig, err := c.ch.SendSignal(c.lastSignal.Name, value, bus.SendOptions{})
			if err == nil {
				printSignal(w, sig, true)
			}
			return "", err
		}
		return "", fmt.Errorf("%w: lastfound type %s", errInvalidCommand, s[1])
	}
	return "", fmt.Errorf("%w: send type %s", errInvalidCommand, s[0])
}

// sendSignal splits words into a signal name and a value, trying the
// longest name first so names and values may both contain spaces.
func (c *commander) sendSignal(w io.Writer, words []string) error {
	opts := bus.SendOptions{}
	args := make([]string, 0, len(words))
	for i, word := range words {
		if word == "-f" && i < len(words)-1 {
			opts.Force = true
			continue
		}
		args = append(args, word)
	}
	if len(args) < 2 {
		return errUsage
	}
	db := c.ch.DB()
	if db == nil {
		return bus.ErrNoDatabase
	}
	lastErr := fmt.Errorf("%w: invalid signal name or value", dbc.ErrNotFound)
	for stop := len(args) - 1; stop > 0; stop-- {
		name := strings.Join(args[:stop], " ")
		if _, err := db.GetSignal(name); err != nil {
			if errors.Is(err, dbc.ErrAmbiguous) {
				lastErr = err
			}
			continue
		}
		sig, err := c.ch.SendSignal(name, strings.Join(args[stop:], " "), opts)
		if err != nil {
			lastErr = err
			continue
		}
		printSignal(w, sig, true)
		return nil
	}
	return lastErr
}

func (c *commander) kill(name string) error {
	if name == "" {
		return errUsage
	}
	err := c.ch.StopMessage(name)
	if err == nil {
		return nil
	}
	if c.ch.DB() != nil {
		if serr := c.ch.StopSignal(name); serr == nil {
			return nil
		}
	}
	return err
}

func (c *commander) find(w io.Writer, s []string) error {
	if len(s) == 0 {
		return errUsage
	}
	db := c.ch.DB()
	if db == nil {
		return bus.ErrNoDatabase
	}
	query := strings.Join(s[1:], " ")
	switch s[0] {
	case "node":
		nodes := db.FindNodes(query, false)
		if len(nodes) == 0 {
			return fmt.Errorf("%w: no nodes matching %q", dbc.ErrNotFound, query)
		}
		for _, n := range nodes {
			printNode(w, n)
		}
	case "message":
		msgs := db.FindMessages(query, false)
		if len(msgs) == 0 {
			return fmt.Errorf("%w: no messages matching %q", dbc.ErrNotFound, query)
		}
		for _, m := range msgs {
			printMessage(w, m)
			for _, sig := range m.Signals {
				printSignal(w, sig, false)
			}
		}
		c.lastMessage = msgs[len(msgs)-1]
	case "signal":
		sigs := db.FindSignals(query, false)
		if len(sigs) == 0 {
			return fmt.Errorf("%w: no signals matching %q", dbc.ErrNotFound, query)
		}
		for _, sig := range sigs {
			printSignal(w, sig, false)
		}
		c.lastSignal = sigs[len(sigs)-1]
	default:
		return fmt.Errorf("%w: find type %s", errInvalidCommand, s[0])
	}
	return nil
}

func (c *commander) periodics(w io.Writer, s []string) error {
	info := false
	if len(s) > 0 {
		if s[0] != "info" {
			return fmt.Errorf("%w: periodics type %s", errInvalidCommand, s[0])
		}
		info = true
	}
	filter := strings.ToLower(strings.Join(s[min(len(s), 1):], " "))
	list := c.ch.Periodics()
	if len(list) == 0 {
		fmt.Fprintln(w, "No periodics currently being sent")
		return nil
	}
	filterID, idErr := dbc.ParseMessageID(filter)
	found := false
	for _, m := range list {
		var sigs []*dbc.Signal
		switch {
		case filter == "":
		case idErr == nil && m.ID == filterID&dbc.MaxID:
		case strings.Contains(strings.ToLower(m.Name), filter):
		default:
			for _, sig := range m.Signals {
				if strings.Contains(strings.ToLower(sig.Name), filter) || strings.Contains(strings.ToLower(sig.LongName), filter) {
					sigs = append(sigs, sig)
				}
			}
			if len(sigs) == 0 {
				continue
			}
		}
		found = true
		printMessage(w, m)
		if !info {
			continue
		}
		if sigs == nil {
			sigs = m.Signals
		}
		for _, sig := range sigs {
			printSignal(w, sig, true)
		}
	}
	if !found {
		return fmt.Errorf("%w: no periodic message matching %q", dbc.ErrNotFound, filter)
	}
	return nil
}

func (c *commander) logCommand(w io.Writer, s []string) (string, error) {
	if len(s) == 0 {
		return "", errUsage
	}
	switch s[0] {
	case "start":
		name := defaultLogRef
		if len(s) > 1 {
			name = s[1]
		}
		path, err := c.can.StartLogging(name, true, true)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(w, "Logging to %s\n", path)
		return path, nil
	case "stop":
		path, err := c.can.StopLogging()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(w, "Log written to %s\n", path)
		return path, nil
	}
	return "", fmt.Errorf("%w: log command %s", errInvalidCommand, s[0])
}

// initBus starts every periodic except those sent by node or, without a
// node, applies the init profile when one is configured.
func (c *commander) initBus(w io.Writer, node string) error {
	var (
		n   int
		err error
	)
	switch {
	case node != "":
		n, err = c.ch.StartPeriodics(node)
	case c.initFile != "":
		var p config.Profile
		if p, err = config.LoadProfile(c.initFile); err != nil {
			return err
		}
		n, err = p.Apply(c.ch)
	default:
		n, err = c.ch.StartPeriodics("")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Initialized bus with %d messages\n", n)
	return nil
}

func (c *commander) waitFor(ctx context.Context, w io.Writer, s []string) (string, error) {
	if len(s) != 2 && len(s) != 3 {
		return "", errUsage
	}
	timeout, err := parseMillis(s[0])
	if err != nil {
		return "", err
	}
	data := ""
	if len(s) == 3 {
		data = s[2]
	}
	resp, err := c.ch.WaitFor(ctx, s[1], data, timeout)
	if errors.Is(err, bus.ErrTimeout) {
		fmt.Fprintln(w, "0")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	reply := driver.HexString(resp)
	fmt.Fprintln(w, reply)
	return reply, nil
}

// parseMillis reads a timeout in ms. Zero would wait forever and is refused.
func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.Atoi(s)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: timeout %q must be a positive number of ms", errUsage, s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// close releases the diagnostic session.
func (c *commander) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.diag != nil {
		c.diag.client.Close()
		c.diag = nil
	}
}
