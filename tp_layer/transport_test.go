package tp_layer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type link struct {
	tester, ecu     *Transport
	toECU, toTester chan CanMessage
	cancel          context.CancelFunc
}

func newLink(t *testing.T, testerCfg, ecuCfg Config, fd bool) *link {
	t.Helper()
	a, err := NewAddress(Normal11Bit, WithTxID(0x7E0), WithRxID(0x7E8))
	require.NoError(t, err)
	b, err := NewAddress(Normal11Bit, WithTxID(0x7E8), WithRxID(0x7E0))
	require.NoError(t, err)
	l := &link{
		tester:   NewTransport(a, testerCfg),
		ecu:      NewTransport(b, ecuCfg),
		toECU:    make(chan CanMessage, 512),
		toTester: make(chan CanMessage, 512),
	}
	l.tester.SetFDMode(fd)
	l.ecu.SetFDMode(fd)
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.tester.Run(ctx, l.toTester, l.toECU)
	go l.ecu.Run(ctx, l.toECU, l.toTester)
	t.Cleanup(cancel)
	return l
}

func recvWithin(t *testing.T, tr *Transport, d time.Duration) []byte {
	t.Helper()
	select {
	case data := <-tr.RxChan():
		return data
	case err := <-tr.ErrorChan:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func expectError(t *testing.T, tr *Transport, kind error) {
	t.Helper()
	select {
	case err := <-tr.ErrorChan:
		assert.True(t, errors.Is(err, kind), "got %v, want %v", err, kind)
	case <-time.After(2 * time.Second):
		t.Fatalf("no %v reported", kind)
	}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestTransportSingleFrame(t *testing.T) {
	l := newLink(t, DefaultConfig(), DefaultConfig(), false)
	l.tester.Send([]byte{0x22, 0xF1, 0x90})
	assert.Equal(t, []byte{0x22, 0xF1, 0x90}, recvWithin(t, l.ecu, time.Second))
}

func TestTransportMultiFrame(t *testing.T) {
	for _, size := range []int{7, 8, 100, 4095, 5000} {
		l := newLink(t, DefaultConfig(), DefaultConfig(), false)
		payload := pattern(size)
		l.tester.Send(payload)
		assert.Equal(t, payload, recvWithin(t, l.ecu, 5*time.Second), "size %d", size)
		l.cancel()
	}
}

func TestTransportTxDone(t *testing.T) {
	l := newLink(t, DefaultConfig(), DefaultConfig(), false)
	for _, size := range []int{3, 300} {
		l.tester.Send(pattern(size))
		select {
		case <-l.tester.TxDone:
		case <-time.After(2 * time.Second):
			t.Fatalf("no completion for %d bytes", size)
		}
		assert.Len(t, recvWithin(t, l.ecu, time.Second), size)
	}
}

func TestTransportBlockSize(t *testing.T) {
	ecuCfg := DefaultConfig()
	ecuCfg.BlockSize = 3
	ecuCfg.StMin = 1
	l := newLink(t, DefaultConfig(), ecuCfg, false)
	payload := pattern(200)
	l.tester.Send(payload)
	assert.Equal(t, payload, recvWithin(t, l.ecu, 5*time.Second))

	l.ecu.Send([]byte{0x62, 0x01})
	assert.Equal(t, []byte{0x62, 0x01}, recvWithin(t, l.tester, time.Second))
}

func TestTransportFD(t *testing.T) {
	l := newLink(t, DefaultConfig(), DefaultConfig(), true)
	payload := pattern(500)
	l.tester.Send(payload)
	assert.Equal(t, payload, recvWithin(t, l.ecu, 5*time.Second))

	l.tester.Send(pattern(40))
	assert.Equal(t, pattern(40), recvWithin(t, l.ecu, time.Second))
}

// runAgainst starts one transport whose peer is driven by hand.
func runAgainst(t *testing.T, cfg Config) (*Transport, chan CanMessage, chan CanMessage) {
	t.Helper()
	addr, err := NewAddress(Normal11Bit, WithTxID(0x7E0), WithRxID(0x7E8))
	require.NoError(t, err)
	tr := NewTransport(addr, cfg)
	in := make(chan CanMessage, 32)
	out := make(chan CanMessage, 32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx, in, out)
	return tr, in, out
}

func nextFrame(t *testing.T, out chan CanMessage) CanMessage {
	t.Helper()
	select {
	case m := <-out:
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
	}
	return CanMessage{}
}

func TestTransportPadding(t *testing.T) {
	tr, _, out := runAgainst(t, DefaultConfig().WithPadding(0xAA))
	tr.Send([]byte{0x3E, 0x00})
	m := nextFrame(t, out)
	assert.Equal(t, uint32(0x7E0), m.ArbitrationID)
	assert.Equal(t, []byte{0x02, 0x3E, 0x00, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}, m.Data)
}

func TestTransportFlowControlTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutN_Bs = 50 * time.Millisecond
	tr, _, out := runAgainst(t, cfg)
	tr.Send(pattern(20))
	ff := nextFrame(t, out)
	assert.Equal(t, byte(0x10), ff.Data[0])
	expectError(t, tr, ErrFlowControlTimeout)
	assert.Empty(t, tr.TxDone)
}

func TestTransportWaitLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWaitFrames = 2
	tr, in, out := runAgainst(t, cfg)
	tr.Send(pattern(20))
	nextFrame(t, out)
	for i := 0; i < 3; i++ {
		in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x31, 0, 0, 0, 0, 0, 0, 0}}
	}
	expectError(t, tr, ErrWaitLimit)
}

func TestTransportWaitThenContinue(t *testing.T) {
	tr, in, out := runAgainst(t, DefaultConfig())
	tr.Send(pattern(10))
	nextFrame(t, out)
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x31, 0, 0}}
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x30, 0, 0}}
	cf := nextFrame(t, out)
	assert.Equal(t, []byte{0x21, 6, 7, 8, 9}, cf.Data)
}

func TestTransportOverflow(t *testing.T) {
	tr, in, out := runAgainst(t, DefaultConfig())
	tr.Send(pattern(20))
	nextFrame(t, out)
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x32, 0, 0}}
	expectError(t, tr, ErrOverflow)
}

func TestTransportWrongSequence(t *testing.T) {
	tr, in, out := runAgainst(t, DefaultConfig())
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}}
	fc := nextFrame(t, out)
	assert.Equal(t, byte(0x30), fc.Data[0])
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x22, 7, 8, 9, 10, 11, 12, 13}}
	expectError(t, tr, ErrWrongSequence)
}

func TestTransportRxTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutN_Cr = 50 * time.Millisecond
	tr, in, out := runAgainst(t, cfg)
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6}}
	nextFrame(t, out)
	expectError(t, tr, ErrRxTimeout)
}

func TestTransportIgnoresOtherIDs(t *testing.T) {
	tr, in, _ := runAgainst(t, DefaultConfig())
	in <- CanMessage{ArbitrationID: 0x123, Data: []byte{0x02, 0x50, 0x01}}
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x02, 0x50, 0x03}}
	assert.Equal(t, []byte{0x50, 0x03}, recvWithin(t, tr, time.Second))
}

func TestTransportFunctionalTooLong(t *testing.T) {
	tr, _, _ := runAgainst(t, DefaultConfig())
	tr.SendWithAddressType(pattern(10), Functional)
	expectError(t, tr, ErrPayloadTooLong)
}

func TestAddressModes(t *testing.T) {
	tests := []struct {
		name   string
		mode   AddressingMode
		opts   []func(*Address)
		txPhys uint32
		txFunc uint32
		rx     CanMessage
		prefix []byte
	}{
		{
			name: "normal 11", mode: Normal11Bit,
			opts:   []func(*Address){WithTxID(0x7E0), WithRxID(0x7E8), WithFunctionalTxID(0x7DF)},
			txPhys: 0x7E0, txFunc: 0x7DF,
			rx: CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x01, 0x7E}},
		},
		{
			name: "normal 29", mode: Normal29Bit,
			opts:   []func(*Address){WithTxID(0x18DA10F1), WithRxID(0x18DAF110)},
			txPhys: 0x18DA10F1, txFunc: 0x18DA10F1,
			rx: CanMessage{ArbitrationID: 0x18DAF110, IsExtendedID: true, Data: []byte{0x01, 0x7E}},
		},
		{
			name: "normal fixed", mode: NormalFixed29Bit,
			opts:   []func(*Address){WithTargetAddress(0x10), WithSourceAddress(0xF1)},
			txPhys: 0x18DA10F1, txFunc: 0x18DB10F1,
			rx: CanMessage{ArbitrationID: 0x18DAF110, IsExtendedID: true, Data: []byte{0x01, 0x7E}},
		},
		{
			name: "extended 11", mode: Extended11Bit,
			opts:   []func(*Address){WithTxID(0x6F1), WithRxID(0x610), WithTargetAddress(0x10), WithSourceAddress(0xF1)},
			txPhys: 0x6F1, txFunc: 0x6F1,
			rx:     CanMessage{ArbitrationID: 0x610, Data: []byte{0xF1, 0x01, 0x7E}},
			prefix: []byte{0x10},
		},
		{
			name: "mixed 11", mode: Mixed11Bit,
			opts:   []func(*Address){WithTxID(0x6F1), WithRxID(0x610), WithAddressExtension(0x99)},
			txPhys: 0x6F1, txFunc: 0x6F1,
			rx:     CanMessage{ArbitrationID: 0x610, Data: []byte{0x99, 0x01, 0x7E}},
			prefix: []byte{0x99},
		},
		{
			name: "mixed 29", mode: Mixed29Bit,
			opts:   []func(*Address){WithTargetAddress(0x10), WithSourceAddress(0xF1), WithAddressExtension(0x99)},
			txPhys: 0x18CE10F1, txFunc: 0x18CD10F1,
			rx:     CanMessage{ArbitrationID: 0x18CEF110, IsExtendedID: true, Data: []byte{0x99, 0x01, 0x7E}},
			prefix: []byte{0x99},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := NewAddress(tc.mode, tc.opts...)
			require.NoError(t, err)
			assert.Equal(t, tc.txPhys, a.GetTxArbitrationID(Physical))
			assert.Equal(t, tc.txFunc, a.GetTxArbitrationID(Functional))
			assert.True(t, a.IsForMe(&tc.rx))
			assert.Equal(t, tc.prefix, a.TxPayloadPrefix)

			other := tc.rx
			other.ArbitrationID ^= 0x1
			assert.False(t, a.IsForMe(&other))
			other = tc.rx
			other.IsExtendedID = !other.IsExtendedID
			assert.False(t, a.IsForMe(&other))
		})
	}
}

func TestNewAddressRejectsWideIDs(t *testing.T) {
	_, err := NewAddress(Normal11Bit, WithTxID(0x800), WithRxID(0x7E8))
	assert.Error(t, err)
	_, err = NewAddress(AddressingMode(42))
	assert.Error(t, err)
}

func TestExtendedAddressingLoopback(t *testing.T) {
	a, err := NewAddress(Extended11Bit, WithTxID(0x6F1), WithRxID(0x610), WithTargetAddress(0x10), WithSourceAddress(0xF1))
	require.NoError(t, err)
	b, err := NewAddress(Extended11Bit, WithTxID(0x610), WithRxID(0x6F1), WithTargetAddress(0xF1), WithSourceAddress(0x10))
	require.NoError(t, err)
	ta, tb := NewTransport(a, DefaultConfig()), NewTransport(b, DefaultConfig())
	ab, ba := make(chan CanMessage, 64), make(chan CanMessage, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ta.Run(ctx, ba, ab)
	go tb.Run(ctx, ab, ba)

	payload := bytes.Repeat([]byte{0x5A}, 30)
	ta.Send(payload)
	assert.Equal(t, payload, recvWithin(t, tb, 2*time.Second))
}

func TestTransportRxTooLong(t *testing.T) {
	tr, in, out := runAgainst(t, DefaultConfig())
	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x10, 0x00, 0x7F, 0xFF, 0xFF, 0xFF, 0x01, 0x02}}

	fc := nextFrame(t, out)
	assert.Equal(t, byte(0x30|byte(FlowStatusOverflow)), fc.Data[0])
	expectError(t, tr, ErrRxTooLong)
	assert.False(t, tr.Receiving())

	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x02, 0x50, 0x01}}
	assert.Equal(t, []byte{0x50, 0x01}, recvWithin(t, tr, time.Second))
}

func TestTransportMaxRxSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRxSize = 100
	tr, in, out := runAgainst(t, cfg)

	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x10, 101, 1, 2, 3, 4, 5, 6}}
	assert.Equal(t, byte(0x32), nextFrame(t, out).Data[0])
	expectError(t, tr, ErrRxTooLong)

	in <- CanMessage{ArbitrationID: 0x7E8, Data: []byte{0x10, 100, 1, 2, 3, 4, 5, 6}}
	assert.Equal(t, byte(0x30), nextFrame(t, out).Data[0])
	assert.True(t, tr.Receiving())
}
