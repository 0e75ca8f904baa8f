package bus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/asclog"
	"github.com/LoveWonYoung/vxlcan/dbc"
	"github.com/LoveWonYoung/vxlcan/driver"
)

const testDBC = "../dbc/testdata/test.dbc"

func newTestCAN(t *testing.T) (*CAN, *driver.Virtual, *Channel) {
	t.Helper()
	v := driver.NewVirtual(2)
	c := New(v)
	ch, err := c.AddChannel(1, 500000, testDBC)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, v, ch
}

func writes(v *driver.Virtual, id uint32) [][]byte {
	var out [][]byte
	for _, r := range v.WriteLog() {
		if r.Frame.ID == id {
			out = append(out, append([]byte(nil), r.Frame.Payload()...))
		}
	}
	return out
}

func TestAddRemoveChannel(t *testing.T) {
	c, _, ch := newTestCAN(t)
	assert.Equal(t, 1, ch.Num)
	assert.NotNil(t, ch.DB())

	_, err := c.AddChannel(1, 500000, "")
	assert.True(t, errors.Is(err, ErrChannelExists))

	last, err := c.AddChannel(0, 250000, "")
	require.NoError(t, err)
	assert.Equal(t, 2, last.Num)
	assert.Len(t, c.Channels(), 2)

	_, err = c.AddChannel(3, 500000, "")
	assert.Error(t, err)

	require.NoError(t, c.RemoveChannel(2))
	assert.True(t, errors.Is(c.RemoveChannel(2), ErrChannelNotFound))
	_, err = c.Channel(2)
	assert.True(t, errors.Is(err, ErrChannelNotFound))
}

func TestAddChannelBadDatabase(t *testing.T) {
	c := New(driver.NewVirtual(1))
	defer c.Close()
	_, err := c.AddChannel(1, 500000, "missing.dbc")
	assert.Error(t, err)
	assert.Empty(t, c.Channels())
}

func TestSendMessageOnce(t *testing.T) {
	_, v, ch := newTestCAN(t)
	m, err := ch.SendMessage("msg6", "0102", SendOptions{})
	require.NoError(t, err)
	assert.False(t, m.Sending())
	assert.Equal(t, [][]byte{{0, 0, 0, 0, 0, 0, 1, 2}}, writes(v, 262))

	_, err = ch.SendMessage("nope", "", SendOptions{})
	assert.True(t, errors.Is(err, dbc.ErrNotFound))

	_, err = ch.SendMessage("msg6", "010203040506070809", SendOptions{})
	assert.True(t, errors.Is(err, dbc.ErrDataTooLong))
}

func TestSendAdHocMessage(t *testing.T) {
	_, v, ch := newTestCAN(t)
	m, err := ch.SendMessage("0x7DF", "02 3E 80", SendOptions{NotInDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, "Unknown", m.Name)
	assert.Equal(t, 3, m.DLC)
	assert.Equal(t, [][]byte{{0x02, 0x3E, 0x80}}, writes(v, 0x7DF))

	_, err = ch.SendMessage("tester", "00", SendOptions{NotInDatabase: true})
	assert.True(t, errors.Is(err, dbc.ErrNotID))
}

func TestNoDatabase(t *testing.T) {
	c := New(driver.NewVirtual(1))
	defer c.Close()
	ch, err := c.AddChannel(1, 500000, "")
	require.NoError(t, err)
	_, err = ch.SendMessage("msg1", "", SendOptions{})
	assert.True(t, errors.Is(err, ErrNoDatabase))
	_, err = ch.SendSignal("msg1_sig1", "1", SendOptions{})
	assert.True(t, errors.Is(err, ErrNoDatabase))
}

func TestPeriodicMessages(t *testing.T) {
	_, v, ch := newTestCAN(t)
	m1, err := ch.SendMessage("msg1", "", SendOptions{})
	require.NoError(t, err)
	m2, err := ch.SendMessage("257", "", SendOptions{})
	require.NoError(t, err)
	assert.True(t, m1.Sending())
	assert.True(t, m2.Sending())

	periodics := ch.Periodics()
	require.Len(t, periodics, 2)
	assert.Equal(t, uint32(256), periodics[0].ID)
	assert.Equal(t, uint32(257), periodics[1].ID)

	time.Sleep(330 * time.Millisecond)
	assert.GreaterOrEqual(t, len(writes(v, 257)), 5)
	assert.GreaterOrEqual(t, len(writes(v, 256)), 3)

	require.NoError(t, ch.StopMessage("msg1"))
	assert.False(t, m1.Sending())
	assert.True(t, errors.Is(ch.StopMessage("msg1"), ErrNotSending))
	require.NoError(t, ch.StopMessage("0x101"))
	assert.Empty(t, ch.Periodics())

	time.Sleep(20 * time.Millisecond)
	v.ClearWriteLog()
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, v.WriteLog())
}

func TestSendOnceSkipsScheduler(t *testing.T) {
	_, _, ch := newTestCAN(t)
	_, err := ch.SendMessage("msg1", "", SendOptions{Once: true})
	require.NoError(t, err)
	assert.Empty(t, ch.Periodics())
}

func TestSendSignal(t *testing.T) {
	_, v, ch := newTestCAN(t)
	sig, err := ch.SendSignal("msg6_sig1", "4206", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "6E10000000000000", sig.Message().HexData())
	assert.Equal(t, [][]byte{{0x6E, 0x10, 0, 0, 0, 0, 0, 0}}, writes(v, 262))

	_, err = ch.SendSignal("Motor_Speed_Signal", "4660", SendOptions{Once: true})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x12, 0x34, 0, 0, 0, 0, 0, 0}}, writes(v, 512))

	_, err = ch.SendSignal("msg1_sig2", "500", SendOptions{})
	assert.True(t, errors.Is(err, dbc.ErrOutOfRange))
	_, err = ch.SendSignal("msg1_sig2", "20", SendOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.StopSignal("msg1_sig2"))
	assert.True(t, errors.Is(ch.StopSignal("msg1_sig2"), ErrNotSending))
}

func TestStartAndStopNode(t *testing.T) {
	_, _, ch := newTestCAN(t)
	n, err := ch.StartPeriodics("ECU2")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, m := range ch.Periodics() {
		assert.Equal(t, "ECU1", m.Sender)
	}

	_, err = ch.StartPeriodics("ECU9")
	assert.True(t, errors.Is(err, dbc.ErrNotFound))

	n, err = ch.StopNode("17")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = ch.StopNode("ecu1")
	assert.True(t, errors.Is(err, ErrNotSending))

	n, err = ch.StartPeriodics("")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	ch.StopAllMessages()
	assert.Empty(t, ch.Periodics())
}

func TestUpdateFunc(t *testing.T) {
	_, v, ch := newTestCAN(t)
	var counter int32
	m := dbc.NewMessage(0x555, "counter", 1)
	m.Period = 20
	m.UpdateFunc = func(*dbc.Message) []byte {
		return []byte{byte(atomic.AddInt32(&counter, 1))}
	}
	require.NoError(t, ch.SendPeriodic(m))
	time.Sleep(110 * time.Millisecond)
	ch.StopAllMessages()

	sent := writes(v, 0x555)
	require.GreaterOrEqual(t, len(sent), 3)
	for i, d := range sent {
		assert.Equal(t, byte(i+1), d[0])
	}
	assert.Error(t, ch.SendPeriodic(dbc.NewMessage(0x556, "event", 1)))
}

func TestQueues(t *testing.T) {
	_, v, ch := newTestCAN(t)
	ctx := context.Background()

	_, err := ch.DequeueMsg(ctx, 0x7E8, 0)
	assert.True(t, errors.Is(err, ErrQueueNotStarted))

	ch.StartQueue(0x7E8, 0)
	require.NoError(t, v.InjectMessage(driver.NewFrame(0x123, []byte{9})))
	require.NoError(t, v.InjectMessage(driver.NewFrame(0x7E8, []byte{1, 2})))
	require.NoError(t, v.InjectMessage(driver.NewFrame(0x7E8, []byte{3})))

	msg, err := ch.DequeueMsg(ctx, 0x7E8, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, msg.Data)
	msg, err = ch.DequeueMsg(ctx, 0x7E8, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, msg.Data)
	assert.GreaterOrEqual(t, msg.Time, time.Duration(0))

	_, err = ch.DequeueMsg(ctx, 0x7E8, 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	_, err = ch.DequeueMsg(ctx, 0x7E8, 0)
	assert.True(t, errors.Is(err, ErrTimeout))

	ch.StopQueue(0x7E8)
	_, err = ch.DequeueMsg(ctx, 0x7E8, 0)
	assert.True(t, errors.Is(err, ErrQueueNotStarted))
}

func TestQueueFullDrops(t *testing.T) {
	_, _, ch := newTestCAN(t)
	ch.StartQueue(0x100, 2)
	for i := 0; i < 3; i++ {
		ch.enqueue(RxMessage{ID: 0x100, Data: []byte{byte(i)}})
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		msg, err := ch.DequeueMsg(ctx, 0x100, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, msg.Data)
	}
	_, err := ch.DequeueMsg(ctx, 0x100, 0)
	assert.True(t, errors.Is(err, ErrTimeout))

	ch.StopAllQueues()
	assert.False(t, ch.hasQueues())
}

func TestSubscribe(t *testing.T) {
	_, v, ch := newTestCAN(t)
	sub := ch.Subscribe(8, 0x7E8)
	require.NoError(t, v.InjectMessage(driver.NewFrame(0x7E0, []byte{1})))
	require.NoError(t, v.InjectMessage(driver.NewFrame(0x7E8, []byte{2})))
	select {
	case msg := <-sub.C:
		assert.Equal(t, uint32(0x7E8), msg.ID)
		assert.Equal(t, []byte{2}, msg.Data)
	case <-time.After(time.Second):
		t.Fatal("nothing received")
	}
	sub.Close()
	sub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestWaitFor(t *testing.T) {
	_, v, ch := newTestCAN(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = v.InjectMessage(driver.NewFrame(0x7E8, []byte{0x12, 0x00, 0xAB}))
		_ = v.InjectMessage(driver.NewFrame(0x7E8, []byte{0x12, 0x34, 0xAB, 0x01}))
	}()
	data, err := ch.WaitFor(context.Background(), "0x7E8", "12 3* AB", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0xAB, 0x01}, data)

	_, err = ch.WaitFor(context.Background(), "msg6", "", 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))

	_, err = ch.WaitFor(context.Background(), "0x7E8", "1G", time.Second)
	assert.True(t, errors.Is(err, ErrInvalidPattern))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.WaitFor(ctx, "msg6", "", time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		data    []byte
		want    bool
	}{
		{"", []byte{1}, true},
		{"01", []byte{1, 2}, true},
		{"0102", []byte{1, 2}, true},
		{"*2", []byte{0x12}, true},
		{"**03", []byte{1, 2}, false},
		{"010203", []byte{1, 2}, false},
		{"ab", []byte{0xAB}, true},
		{"0x1*", []byte{0x1F}, true},
	}
	for _, tc := range tests {
		p, err := compilePattern(tc.pattern)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.match(tc.data), "%q % X", tc.pattern, tc.data)
	}
}

func TestSendRecv(t *testing.T) {
	_, v, ch := newTestCAN(t)
	v.AddResponse(driver.VirtualResponse{
		TriggerID:   0x7E0,
		TriggerData: []byte{0x02, 0x10},
		ResponseID:  0x7E8,
		Response:    []byte{0x06, 0x50, 0x01, 0x00, 0x32, 0x01, 0xF4},
	})
	data, err := ch.SendRecv(context.Background(), "7E0", "02 10 01", "7E8", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06, 0x50, 0x01, 0x00, 0x32, 0x01, 0xF4}, data)

	data, err = ch.SendRecv(context.Background(), "7E0", "02 10 01", "7E8", "06 50", time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x50), data[1])

	_, err = ch.SendRecv(context.Background(), "7E0", "02 10 01", "7E8", "06 51", 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout), "response does not match")

	_, err = ch.SendRecv(context.Background(), "7E0", "02 3E 00", "7E8", "", 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestErrorFrames(t *testing.T) {
	_, v, ch := newTestCAN(t)
	ctx := context.Background()

	require.NoError(t, v.InjectErrorFrame())
	require.Eventually(t, ch.ErrorsFound, time.Second, time.Millisecond)
	assert.True(t, errors.Is(ch.WaitForNoError(ctx, 20*time.Millisecond), ErrTimeout))

	require.NoError(t, v.InjectMessage(driver.NewFrame(0x1, []byte{1})))
	require.NoError(t, ch.WaitForNoError(ctx, time.Second))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = v.InjectErrorFrame()
	}()
	require.NoError(t, ch.WaitForError(ctx, time.Second))
	assert.False(t, ch.ErrorsFound())

	// the restarted channel still works
	_, err := ch.SendMessage("msg6", "", SendOptions{})
	require.NoError(t, err)

	assert.True(t, errors.Is(ch.WaitForError(ctx, 20*time.Millisecond), ErrTimeout))
}

func TestChipState(t *testing.T) {
	_, v, ch := newTestCAN(t)
	ch.StartQueue(0x1, 0)
	require.Eventually(t, func() bool {
		return ch.BusStatus().Status == driver.BusStatusActive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, v.SetChipState(driver.ChipState{Status: driver.BusStatusPassive, TxErrors: 128}))
	require.Eventually(t, func() bool {
		return ch.BusStatus().Status == driver.BusStatusPassive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint8(128), ch.BusStatus().TxErrors)
	assert.Greater(t, ch.Time(), time.Duration(0))
}

func TestLogging(t *testing.T) {
	c, v, ch := newTestCAN(t)
	base := filepath.Join(t.TempDir(), "trace")

	path, err := c.StartLogging(base, false, false)
	require.NoError(t, err)
	assert.Equal(t, base+".asc", path)
	assert.Equal(t, path, c.LogPath())

	_, err = c.StartLogging(base, false, false)
	assert.True(t, errors.Is(err, ErrAlreadyLogging))

	_, err = ch.SendMessage("msg6", "0102", SendOptions{})
	require.NoError(t, err)
	require.NoError(t, v.InjectMessage(driver.NewFrame(0x18FF0001, []byte{0xAA})))
	require.NoError(t, v.InjectErrorFrame())
	time.Sleep(100 * time.Millisecond)

	stopped, err := c.StopLogging()
	require.NoError(t, err)
	assert.Equal(t, path, stopped)
	_, err = c.StopLogging()
	assert.True(t, errors.Is(err, ErrNotLogging))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.HasPrefix(text, "date "))
	assert.Contains(t, text, "base hex  timestamps absolute\n")
	assert.Contains(t, text, " 1  106             Tx   d 8 00 00 00 00 00 00 01 02\n")
	assert.Contains(t, text, " 1  18FF0001x       Rx   d 1 AA\n")
	assert.NotContains(t, text, "ErrorFrame")

	_, err = c.StartLogging(filepath.Join(t.TempDir(), "missing", "trace"), true, false)
	assert.True(t, errors.Is(err, asclog.ErrInvalidDir))
}

func TestPrintConfig(t *testing.T) {
	_, _, ch := newTestCAN(t)
	var sb strings.Builder
	require.NoError(t, ch.PrintConfig(&sb))
	assert.Contains(t, sb.String(), "Virtual Channel 1")
}

func TestSchedulerTicks(t *testing.T) {
	s := newScheduler(func(*dbc.Message) error { return nil }, zap.NewNop().Sugar())
	fast := dbc.NewMessage(1, "fast", 1)
	fast.Period = 50
	slow := dbc.NewMessage(2, "slow", 1)
	slow.Period = 100
	s.add(fast)
	s.add(slow)
	assert.Equal(t, 50*time.Millisecond, s.interval())

	ids := func(ms []*dbc.Message) []uint32 {
		var out []uint32
		for _, m := range ms {
			out = append(out, m.ID)
		}
		if len(out) == 2 && out[0] > out[1] {
			out[0], out[1] = out[1], out[0]
		}
		return out
	}
	assert.Equal(t, []uint32{1, 2}, ids(s.due()))
	assert.Equal(t, []uint32{1}, ids(s.due()))
	assert.Equal(t, []uint32{1, 2}, ids(s.due()))
	assert.Equal(t, []uint32{1}, ids(s.due()))
	assert.Equal(t, []uint32{1, 2}, ids(s.due()))

	third := dbc.NewMessage(3, "third", 1)
	third.Period = 30
	s.add(third)
	assert.Equal(t, 10*time.Millisecond, s.interval())

	assert.True(t, s.remove(1))
	assert.False(t, s.remove(1))
	s.removeAll()
	assert.Equal(t, time.Duration(0), s.interval())
	assert.False(t, slow.Sending())
}

func TestSchedulerRealignsOnRemove(t *testing.T) {
	s := newScheduler(func(*dbc.Message) error { return nil }, zap.NewNop().Sugar())
	slow := dbc.NewMessage(1, "slow", 1)
	slow.Period = 40
	fast := dbc.NewMessage(2, "fast", 1)
	fast.Period = 10
	s.add(slow)
	s.add(fast)

	assert.Len(t, s.due(), 2)
	assert.Len(t, s.due(), 1)
	assert.Len(t, s.due(), 1)

	require.True(t, s.remove(2))
	assert.Equal(t, 40*time.Millisecond, s.interval())
	due := s.due()
	require.Len(t, due, 1, "slow fires on the next tick")
	assert.Equal(t, uint32(1), due[0].ID)
}

func TestPeriodicsSurviveResends(t *testing.T) {
	_, v, ch := newTestCAN(t)
	_, err := ch.SendMessage("0x100", "01", SendOptions{NotInDatabase: true, Period: 100})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, err := ch.SendMessage("0x200", "02", SendOptions{NotInDatabase: true, Period: 100})
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, len(writes(v, 0x100)), 8)
}
