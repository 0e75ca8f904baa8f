package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	basePort       = 50000
	maxCommandSize = 128
	connTimeout    = 5 * time.Second
)

// networkPort is the TCP port of the instance running on channel.
func networkPort(channel int) int { return basePort + 2*channel }

// serveNetwork accepts one command per connection until a client sends exit
// or ctx ends. Connections are handled one at a time.
func serveNetwork(ctx context.Context, ln net.Listener, cmd *commander, lg *zap.SugaredLogger) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	lg.Infow("listening for commands", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		quit := handleConn(ctx, conn, cmd, lg)
		_ = conn.Close()
		if quit {
			_ = ln.Close()
			return nil
		}
	}
}

// handleConn runs the command read from conn and reports whether it was exit.
func handleConn(ctx context.Context, conn net.Conn, cmd *commander, lg *zap.SugaredLogger) bool {
	l := lg.With("remote", conn.RemoteAddr().String())
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxCommandSize)
	n, err := conn.Read(buf)
	if err != nil {
		l.Warnw("read command", "error", err)
		return false
	}
	line := strings.TrimSpace(string(buf[:n]))
	l.Debugw("network command", "command", line)

	var out bytes.Buffer
	reply, err := cmd.run(ctx, &out, line)
	switch {
	case errors.Is(err, errQuit):
		return true
	case errors.Is(err, errInvalidCommand):
		reply = "invalid command"
	case err != nil:
		l.Errorw("command failed", "command", line, "error", err)
	}
	if out.Len() > 0 {
		l.Info(strings.TrimSpace(out.String()))
	}
	_ = conn.SetDeadline(time.Now().Add(connTimeout))
	if reply != "" {
		if _, err := conn.Write([]byte(reply)); err != nil {
			l.Warnw("write reply", "error", err)
		}
	}
	return false
}

// networkSend sends one command to an instance listening on addr and
// returns its reply.
func networkSend(addr string, args []string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, connTimeout)
	if err != nil {
		return "", fmt.Errorf("unable to connect to %s, check that an instance is running in network mode on that channel: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	if _, err := conn.Write([]byte(strings.Join(args, " "))); err != nil {
		return "", err
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}
