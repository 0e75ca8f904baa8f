package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/udsclient"
)

var errNotConnected = errors.New("no diagnostic session, use uds connect first")

type diagSession struct {
	client *udsclient.Client
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a byte", errUsage, s)
	}
	return byte(v), nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off, got %q", errUsage, s)
}

// uds runs the diagnostic subcommands. Every subcommand except connect needs
// a session opened with uds connect.
func (c *commander) uds(ctx context.Context, w io.Writer, s []string) (string, error) {
	if len(s) == 0 {
		return "", errUsage
	}
	if s[0] == "connect" {
		return "", c.udsConnect(w, s[1:])
	}
	if c.diag == nil {
		return "", errNotConnected
	}
	cl := c.diag.client
	reply, err := c.udsService(ctx, w, cl, s)
	var nrc *udsclient.NRCError
	if errors.As(err, &nrc) {
		fmt.Fprintf(w, "Negative response 0x%02X: %s\n", nrc.Code, nrc.Text)
	}
	return reply, err
}

func (c *commander) udsConnect(w io.Writer, s []string) error {
	if len(s) != 2 && len(s) != 3 {
		return errUsage
	}
	cfg := udsclient.DefaultConfig()
	cfg.TxID, cfg.RxID = s[0], s[1]
	if len(s) == 3 {
		p, err := udsclient.ParsePadding(s[2])
		if err != nil {
			return err
		}
		cfg.Padding = p
	}
	if c.diag != nil {
		c.diag.client.Close()
		c.diag = nil
	}
	cl, err := udsclient.New(c.ch, cfg, udsclient.WithLogger(c.log.Named("uds")), udsclient.WithMetrics(c.metrics))
	if err != nil {
		return err
	}
	c.diag = &diagSession{client: cl}
	fmt.Fprintf(w, "Diagnostics on 0x%X -> 0x%X\n", cl.TxID(), cl.RxID())
	return nil
}

func (c *commander) udsService(ctx context.Context, w io.Writer, cl *udsclient.Client, s []string) (string, error) {
	args := s[1:]
	switch s[0] {
	case "disconnect":
		cl.Close()
		c.diag = nil
		return "", nil
	case "raw":
		req, err := driver.ParseHex(strings.Join(args, ""))
		if err != nil || len(req) == 0 {
			return "", fmt.Errorf("%w: request data", errUsage)
		}
		resp, err := cl.SendService(ctx, req[0], req[1:])
		if err != nil {
			return "", err
		}
		return printReply(w, append([]byte{req[0] | 0x40}, resp...)), nil
	case "session":
		if len(args) != 1 {
			return "", errUsage
		}
		session, err := parseByte(args[0])
		if err != nil {
			return "", err
		}
		resp, err := cl.SessionControl(ctx, session)
		if err != nil {
			return "", err
		}
		return printReply(w, resp), nil
	case "reset":
		if len(args) != 1 {
			return "", errUsage
		}
		resp, err := cl.ECUReset(ctx, args[0])
		if err != nil {
			return "", err
		}
		return printReply(w, resp), nil
	case "read":
		if len(args) != 1 {
			return "", errUsage
		}
		did, err := udsclient.ParseDID(args[0])
		if err != nil {
			return "", err
		}
		data, err := cl.ReadDID(ctx, did)
		if err != nil {
			return "", err
		}
		return printReply(w, data), nil
	case "write":
		if len(args) < 2 {
			return "", errUsage
		}
		did, err := udsclient.ParseDID(args[0])
		if err != nil {
			return "", err
		}
		data, err := driver.ParseHex(strings.Join(args[1:], ""))
		if err != nil {
			return "", err
		}
		_, err = cl.WriteDID(ctx, did, data)
		return "", err
	case "dtc":
		mask := byte(0xFF)
		if len(args) == 1 {
			var err error
			if mask, err = parseByte(args[0]); err != nil {
				return "", err
			}
		}
		dtcs, err := cl.ReadDTCs(ctx, mask)
		if err != nil {
			return "", err
		}
		if len(dtcs) == 0 {
			fmt.Fprintln(w, "No DTCs")
		}
		for _, d := range dtcs {
			fmt.Fprintln(w, d)
		}
		return strconv.Itoa(len(dtcs)), nil
	case "cleardtc":
		group := uint64(0xFFFFFF)
		if len(args) == 1 {
			var err error
			if group, err = strconv.ParseUint(args[0], 0, 32); err != nil {
				return "", fmt.Errorf("%w: DTC group %q", errUsage, args[0])
			}
		}
		return "", cl.ClearDTCs(ctx, uint32(group))
	case "unlock":
		if len(args) != 2 {
			return "", errUsage
		}
		level, err := parseByte(args[0])
		if err != nil {
			return "", err
		}
		secret, err := driver.ParseHex(args[1])
		if err != nil {
			return "", err
		}
		if err := cl.Unlock(ctx, level, udsclient.CMACKeyFunc(secret)); err != nil {
			return "", err
		}
		fmt.Fprintf(w, "Unlocked level 0x%02X\n", level)
		return "", nil
	case "routine":
		return c.udsRoutine(ctx, w, cl, args)
	case "comm":
		if len(args) != 1 {
			return "", errUsage
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return "", err
		}
		return "", cl.CommunicationControl(ctx, on)
	case "dtcsetting":
		if len(args) != 1 {
			return "", errUsage
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return "", err
		}
		return "", cl.ControlDTCSetting(ctx, on)
	case "tester":
		if len(args) == 0 || len(args) > 2 {
			return "", errUsage
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return "", err
		}
		if !on {
			return "", cl.StopTesterPresent()
		}
		period := udsclient.DefaultTesterPresentPeriod
		if len(args) == 2 {
			ms, err := strconv.Atoi(args[1])
			if err != nil || ms <= 0 {
				return "", fmt.Errorf("%w: period %q", errUsage, args[1])
			}
			period = time.Duration(ms) * time.Millisecond
		}
		return "", cl.StartTesterPresent(0, period)
	case "download":
		if len(args) != 1 {
			return "", errUsage
		}
		f, err := os.Open(args[0])
		if err != nil {
			return "", err
		}
		defer f.Close()
		start := time.Now()
		if err := cl.Download(ctx, f); err != nil {
			return "", err
		}
		fmt.Fprintf(w, "Downloaded %s in %v\n", args[0], time.Since(start).Round(time.Millisecond))
		return "", nil
	}
	return "", fmt.Errorf("%w: uds %s", errInvalidCommand, s[0])
}

func (c *commander) udsRoutine(ctx context.Context, w io.Writer, cl *udsclient.Client, args []string) (string, error) {
	if len(args) < 2 {
		return "", errUsage
	}
	rid, err := udsclient.ParseRID(args[1])
	if err != nil {
		return "", err
	}
	data, err := driver.ParseHex(strings.Join(args[2:], ""))
	if err != nil {
		return "", err
	}
	var resp []byte
	switch args[0] {
	case "start":
		resp, err = cl.StartRoutine(ctx, rid, data)
	case "stop":
		resp, err = cl.StopRoutine(ctx, rid, data)
	case "result":
		resp, err = cl.RoutineResult(ctx, rid, data)
	default:
		return "", fmt.Errorf("%w: routine %s", errInvalidCommand, args[0])
	}
	if err != nil {
		return "", err
	}
	return printReply(w, resp), nil
}

func printReply(w io.Writer, data []byte) string {
	reply := driver.HexString(data)
	fmt.Fprintln(w, reply)
	return reply
}
