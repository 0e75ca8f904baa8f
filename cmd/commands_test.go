package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
	"github.com/LoveWonYoung/vxlcan/dbc"
	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/metrics"
)

const testDBC = "../dbc/testdata/test.dbc"

type rig struct {
	cmd      *commander
	v        *driver.Virtual
	can      *bus.CAN
	ch       *bus.Channel
	registry *prometheus.Registry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	v := driver.NewVirtual(2)
	registry := prometheus.NewRegistry()
	h := metrics.New(registry, "test")
	can := bus.New(v, bus.WithMetrics(h))
	ch, err := can.AddChannel(1, 500000, testDBC)
	require.NoError(t, err)
	cmd := newCommander(can, ch, zap.NewNop().Sugar(), h, "")
	t.Cleanup(func() {
		cmd.close()
		_ = can.Close()
	})
	return &rig{cmd: cmd, v: v, can: can, ch: ch, registry: registry}
}

// exec runs line and returns the printed output and the network reply.
func (r *rig) exec(line string) (string, string, error) {
	var out bytes.Buffer
	reply, err := r.cmd.run(context.Background(), &out, line)
	return out.String(), reply, err
}

func (r *rig) writes(id uint32) [][]byte {
	var out [][]byte
	for _, w := range r.v.WriteLog() {
		if w.Frame.ID == id {
			out = append(out, w.Frame.Payload())
		}
	}
	return out
}

func TestRunBasics(t *testing.T) {
	r := newRig(t)

	out, reply, err := r.exec("   ")
	assert.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, reply)

	_, reply, err = r.exec("alive")
	assert.NoError(t, err)
	assert.Equal(t, "yes", reply)

	for _, q := range []string{"q", "exit"} {
		_, _, err = r.exec(q)
		assert.True(t, errors.Is(err, errQuit), q)
	}

	_, _, err = r.exec("launch rockets")
	assert.True(t, errors.Is(err, errInvalidCommand))

	out, _, err = r.exec("h")
	assert.NoError(t, err)
	assert.Contains(t, out, "Valid commands:")
	assert.Contains(t, out, "killnode <node>")
}

func TestSendMessageCommand(t *testing.T) {
	r := newRig(t)

	out, _, err := r.exec("send message msg6 0102")
	require.NoError(t, err)
	assert.Contains(t, out, "msg6(0x106)")
	assert.Equal(t, [][]byte{{0, 0, 0, 0, 0, 0, 1, 2}}, r.writes(0x106))

	_, _, err = r.exec("send message 0x7DF 023E80")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x02, 0x3E, 0x80}}, r.writes(0x7DF))

	_, _, err = r.exec("send message")
	assert.True(t, errors.Is(err, errUsage))
	_, _, err = r.exec("send message msg6 01 02")
	assert.True(t, errors.Is(err, errUsage))
	_, _, err = r.exec("send")
	assert.True(t, errors.Is(err, errUsage))
	_, _, err = r.exec("send telegram 1")
	assert.True(t, errors.Is(err, errInvalidCommand))
}

func TestSendSignalCommand(t *testing.T) {
	r := newRig(t)

	out, _, err := r.exec("send signal msg6_sig1 4206")
	require.NoError(t, err)
	assert.Contains(t, out, "msg6_sig1 = 4206")
	m, err := r.ch.DB().GetMessage("msg6")
	require.NoError(t, err)
	assert.Equal(t, "6E10000000000000", m.HexData())

	_, _, err = r.exec("send signal msg3_mode On")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x01, 0x00}}, r.writes(0x102))

	_, _, err = r.exec("send signal msg1_sig2 500")
	assert.True(t, errors.Is(err, dbc.ErrOutOfRange))
	_, _, err = r.exec("send signal -f msg1_sig2 500")
	assert.NoError(t, err)

	_, _, err = r.exec("send signal no such signal 1")
	assert.True(t, errors.Is(err, dbc.ErrNotFound))
	_, _, err = r.exec("send signal msg6_sig1")
	assert.True(t, errors.Is(err, errUsage))
}

func TestFindAndLastFound(t *testing.T) {
	r := newRig(t)

	_, _, err := r.exec("send lastfound message 01")
	assert.Error(t, err, "nothing found yet")

	out, _, err := r.exec("find node ECU")
	require.NoError(t, err)
	assert.Contains(t, out, "Node: ECU1 - Engine control unit")
	assert.Contains(t, out, "Node: ECU2")

	out, _, err = r.exec("find message msg6")
	require.NoError(t, err)
	assert.Contains(t, out, "Message: msg6 - ID: 0x106")
	assert.Contains(t, out, "Signal: msg6_sig1 [0..65535]")

	_, _, err = r.exec("send lastfound message 0A0B")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0, 0, 0, 0, 0, 0, 0x0A, 0x0B}}, r.writes(0x106))

	out, _, err = r.exec("find signal mode")
	require.NoError(t, err)
	assert.Contains(t, out, "1 = On")

	_, _, err = r.exec("send lastfound signal error")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x02, 0x00}}, r.writes(0x102))

	_, _, err = r.exec("find message nothing_like_this")
	assert.True(t, errors.Is(err, dbc.ErrNotFound))
	_, _, err = r.exec("find gateway x")
	assert.True(t, errors.Is(err, errInvalidCommand))
}

func TestPeriodicsAndKill(t *testing.T) {
	r := newRig(t)

	out, _, err := r.exec("periodics")
	require.NoError(t, err)
	assert.Contains(t, out, "No periodics")

	out, _, err = r.exec("init ECU2")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized bus with 3 messages")

	out, _, err = r.exec("periodics")
	require.NoError(t, err)
	assert.Contains(t, out, "msg1")
	assert.Contains(t, out, "ext_msg")
	assert.NotContains(t, out, "Signal:")

	out, _, err = r.exec("periodics info temp")
	require.NoError(t, err)
	assert.Contains(t, out, "Message: msg2")
	assert.Contains(t, out, "msg2_temp")
	assert.NotContains(t, out, "msg2_sig1")

	_, _, err = r.exec("periodics info nothing")
	assert.Error(t, err)
	_, _, err = r.exec("periodics all")
	assert.True(t, errors.Is(err, errInvalidCommand))

	require.NoError(t, firstErr(r.exec("kill msg1")))
	require.NoError(t, firstErr(r.exec("kill msg2_temp")), "kill by signal")
	assert.True(t, errors.Is(firstErr(r.exec("kill msg1")), bus.ErrNotSending))

	out, _, err = r.exec("killnode ECU1")
	require.NoError(t, err)
	assert.Contains(t, out, "Stopped 1 periodics")

	_, _, err = r.exec("init")
	require.NoError(t, err)
	require.NoError(t, firstErr(r.exec("killall")))
	assert.Empty(t, r.ch.Periodics())
}

func firstErr(_, _ string, err error) error { return err }

func TestInitProfile(t *testing.T) {
	r := newRig(t)
	path := filepath.Join(t.TempDir(), "init.yaml")
	require.NoError(t, os.WriteFile(path, []byte("messages:\n  - id: \"0x7DF\"\n    data: \"02 3E 80\"\n    period: 50\n"), 0o644))
	r.cmd.initFile = path

	out, _, err := r.exec("init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized bus with 1 messages")
	require.Len(t, r.ch.Periodics(), 1)
	assert.Equal(t, uint32(0x7DF), r.ch.Periodics()[0].ID)
}

func TestSendDiagCommand(t *testing.T) {
	r := newRig(t)
	r.v.AddResponse(driver.VirtualResponse{
		TriggerID:   0x7E0,
		TriggerData: []byte{0x02, 0x10},
		ResponseID:  0x7E8,
		Response:    []byte{0x06, 0x50, 0x03, 0x00, 0x32, 0x01, 0xF4},
	})

	out, reply, err := r.exec("send diag 7E0 021003 7E8")
	require.NoError(t, err)
	assert.Equal(t, "065003003201F4", reply)
	assert.Contains(t, out, reply)

	_, reply, err = r.exec("send diag 7E0 021003 7E8 **50")
	require.NoError(t, err)
	assert.Equal(t, "065003003201F4", reply)

	_, _, err = r.exec("send diag 7E0")
	assert.True(t, errors.Is(err, errUsage))
	_, _, err = r.exec("send diag 7E0 021003 7E8 **50 0")
	assert.True(t, errors.Is(err, errUsage))
}

func TestSendDiagTimeout(t *testing.T) {
	r := newRig(t)
	r.v.AddResponse(driver.VirtualResponse{
		TriggerID:   0x7E0,
		TriggerData: []byte{0x02, 0x10, 0x01},
		ResponseID:  0x7E8,
		Response:    []byte{0x06, 0x50, 0x01, 0x00, 0x32, 0x01, 0xF4},
		Delay:       1200 * time.Millisecond,
	})

	start := time.Now()
	_, reply, err := r.exec("send diag 7E0 021001 7E8 **50 3000")
	require.NoError(t, err)
	assert.Equal(t, "065001003201F4", reply)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "waited past the default timeout")
}

func TestWaitForCommand(t *testing.T) {
	r := newRig(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.v.InjectMessage(driver.NewFrame(0x18FF0001, []byte{0xAA, 0x55}))
	}()
	_, reply, err := r.exec("waitfor 1000 0x18FF0001 AA")
	require.NoError(t, err)
	assert.Equal(t, "AA55", reply)

	out, reply, err := r.exec("waitfor 20 0x18FF0001")
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, "0\n", out)

	_, _, err = r.exec("waitfor soon 0x100")
	assert.True(t, errors.Is(err, errUsage))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_, err = r.cmd.run(ctx, &bytes.Buffer{}, "waitfor 0 0x123")
	assert.True(t, errors.Is(err, errUsage))
	assert.Less(t, time.Since(start), time.Second, "zero timeout returns at once")
}

func TestLogCommand(t *testing.T) {
	r := newRig(t)
	base := filepath.Join(t.TempDir(), "trace")

	_, path, err := r.exec("log start " + base)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, base+"["))
	assert.True(t, strings.HasSuffix(path, "].asc"))

	_, _, err = r.exec("log start " + base)
	assert.True(t, errors.Is(err, bus.ErrAlreadyLogging))

	_, stopped, err := r.exec("log stop")
	require.NoError(t, err)
	assert.Equal(t, path, stopped)
	assert.FileExists(t, path)

	_, _, err = r.exec("log stop")
	assert.True(t, errors.Is(err, bus.ErrNotLogging))
	_, _, err = r.exec("log rotate")
	assert.True(t, errors.Is(err, errInvalidCommand))
}

func TestConfigAndRestart(t *testing.T) {
	r := newRig(t)

	out, _, err := r.exec("config")
	require.NoError(t, err)
	assert.Contains(t, out, "Virtual Channel 1")
	assert.Contains(t, out, "Connected to channel: 1 @ 500000Bd!")

	_, _, err = r.exec("restart")
	require.NoError(t, err)
	_, _, err = r.exec("send message msg6 01")
	require.NoError(t, err, "channel works after restart")
}

func TestNoDatabaseCommands(t *testing.T) {
	v := driver.NewVirtual(2)
	can := bus.New(v)
	ch, err := can.AddChannel(1, 500000, "")
	require.NoError(t, err)
	defer func() { _ = can.Close() }()
	r := &rig{cmd: newCommander(can, ch, zap.NewNop().Sugar(), nil, ""), v: v, can: can, ch: ch}

	_, _, err = r.exec("find message msg1")
	assert.True(t, errors.Is(err, bus.ErrNoDatabase))
	_, _, err = r.exec("send signal msg6_sig1 1")
	assert.True(t, errors.Is(err, bus.ErrNoDatabase))

	_, _, err = r.exec("send message 0x123 0102")
	require.NoError(t, err, "ad hoc messages need no database")
	assert.Equal(t, [][]byte{{0x01, 0x02}}, r.writes(0x123))
}
