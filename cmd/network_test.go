package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNetworkPort(t *testing.T) {
	assert.Equal(t, 50002, networkPort(1))
	assert.Equal(t, 50014, networkPort(7))
}

func TestServeNetwork(t *testing.T) {
	r := newRig(t)

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := fmt.Sprintf("localhost:%d", port)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- serveNetwork(context.Background(), ln, r.cmd, zap.NewExample().Sugar())
	}()

	reply, err := networkSend(addr, []string{"alive"})
	require.NoError(t, err)
	assert.Equal(t, "yes", reply)

	reply, err = networkSend(addr, []string{"make", "coffee"})
	require.NoError(t, err)
	assert.Equal(t, "invalid command", reply)

	reply, err = networkSend(addr, []string{"send", "message", "0x7DF", "023E80"})
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, [][]byte{{0x02, 0x3E, 0x80}}, r.writes(0x7DF))

	_, err = networkSend(addr, []string{"exit"})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server still running after exit")
	}

	_, err = networkSend(addr, []string{"alive"})
	assert.Error(t, err, "listener is closed")
}

func TestServeNetworkCancel(t *testing.T) {
	r := newRig(t)
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveNetwork(ctx, ln, r.cmd, zap.NewNop().Sugar())
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server still running after cancel")
	}
}

func TestNetworkSendNoServer(t *testing.T) {
	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	_, err = networkSend(fmt.Sprintf("localhost:%d", port), []string{"alive"})
	assert.Error(t, err)
}
