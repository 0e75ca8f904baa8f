package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/vxlcan/driver"
	"github.com/LoveWonYoung/vxlcan/udsclient"
)

// respond answers a single frame request starting with req.
func (r *rig) respond(req, resp []byte) {
	r.v.AddResponse(driver.VirtualResponse{
		TriggerID:   0x7E0,
		TriggerData: append([]byte{byte(len(req))}, req...),
		ResponseID:  0x7E8,
		Response:    append([]byte{byte(len(resp))}, resp...),
	})
}

func TestUDSNeedsConnect(t *testing.T) {
	r := newRig(t)
	_, _, err := r.exec("uds read F190")
	assert.True(t, errors.Is(err, errNotConnected))
	_, _, err = r.exec("uds")
	assert.True(t, errors.Is(err, errUsage))
	_, _, err = r.exec("uds connect 0x7E0")
	assert.True(t, errors.Is(err, errUsage))
	_, _, err = r.exec("uds connect 0x7E0 0x7E8 0x1FF")
	assert.True(t, errors.Is(err, udsclient.ErrInvalidArgument), "bad padding")
}

func TestUDSCommands(t *testing.T) {
	r := newRig(t)
	r.respond([]byte{0x22, 0xF1, 0x90}, []byte{0x62, 0xF1, 0x90, 'A', 'B'})
	r.respond([]byte{0x10, 0x03}, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4})
	r.respond([]byte{0x11, 0x01}, []byte{0x51, 0x01})
	r.respond([]byte{0x3E, 0x00}, []byte{0x7E, 0x00})
	r.respond([]byte{0x19, 0x02, 0xFF}, []byte{0x59, 0x02, 0xFF, 0x12, 0x34, 0x56, 0x09})
	r.respond([]byte{0x14, 0xFF, 0xFF, 0xFF}, []byte{0x54})
	r.respond([]byte{0x2E, 0x01, 0x00, 0xAA}, []byte{0x6E, 0x01, 0x00})
	r.respond([]byte{0x31, 0x01, 0x02, 0x03}, []byte{0x71, 0x01, 0x02, 0x03, 0x00})
	r.respond([]byte{0x28, 0x03, 0x01}, []byte{0x68, 0x03})
	r.respond([]byte{0x85, 0x02}, []byte{0xC5, 0x02})
	r.respond([]byte{0x22, 0xF1, 0x8C}, []byte{0x7F, 0x22, 0x31})

	out, _, err := r.exec("uds connect 0x7E0 0x7E8 00")
	require.NoError(t, err)
	assert.Contains(t, out, "Diagnostics on 0x7E0 -> 0x7E8")

	_, reply, err := r.exec("uds read F190")
	require.NoError(t, err)
	assert.Equal(t, "4142", reply)
	assert.Equal(t, [][]byte{{0x03, 0x22, 0xF1, 0x90, 0, 0, 0, 0}}, r.writes(0x7E0), "padded with 00")

	_, reply, err = r.exec("uds session 0x03")
	require.NoError(t, err)
	assert.Equal(t, "003201F4", reply)

	_, reply, err = r.exec("uds reset hard_reset")
	require.NoError(t, err)
	assert.Equal(t, "01", reply)
	_, _, err = r.exec("uds reset warm_reset")
	assert.True(t, errors.Is(err, udsclient.ErrInvalidArgument))

	_, reply, err = r.exec("uds raw 3E 00")
	require.NoError(t, err)
	assert.Equal(t, "7E00", reply)

	out, reply, err = r.exec("uds dtc")
	require.NoError(t, err)
	assert.Equal(t, "1", reply)
	assert.Contains(t, out, "123456 status 0x09")

	require.NoError(t, firstErr(r.exec("uds cleardtc")))
	require.NoError(t, firstErr(r.exec("uds write 0100 AA")))
	require.NoError(t, firstErr(r.exec("uds comm off")))
	require.NoError(t, firstErr(r.exec("uds dtcsetting off")))

	_, reply, err = r.exec("uds routine start 0203")
	require.NoError(t, err)
	assert.Equal(t, "00", reply)
	_, _, err = r.exec("uds routine pause 0203")
	assert.True(t, errors.Is(err, errInvalidCommand))

	out, _, err = r.exec("uds read F18C")
	var nrc *udsclient.NRCError
	require.True(t, errors.As(err, &nrc))
	assert.Equal(t, byte(udsclient.NRCRequestOutOfRange), nrc.Code)
	assert.Contains(t, out, "Negative response 0x31")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.cmd.metrics.UDSCounter.WithLabelValues("22", "negative")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cmd.metrics.UDSCounter.WithLabelValues("22", "ok")))

	require.NoError(t, firstErr(r.exec("uds tester on 50")))
	assert.Len(t, r.ch.Periodics(), 1)
	require.NoError(t, firstErr(r.exec("uds tester off")))
	assert.Empty(t, r.ch.Periodics())

	_, _, err = r.exec("uds fly")
	assert.True(t, errors.Is(err, errInvalidCommand))

	require.NoError(t, firstErr(r.exec("uds disconnect")))
	_, _, err = r.exec("uds read F190")
	assert.True(t, errors.Is(err, errNotConnected))
}

func TestUDSUnlock(t *testing.T) {
	r := newRig(t)
	secret := []byte("0123456789abcdef")
	seed := []byte{0x11, 0x22, 0x33, 0x44}
	key, err := udsclient.CMACKey(secret, seed)
	require.NoError(t, err)

	r.respond([]byte{0x27, 0x01}, append([]byte{0x67, 0x01}, seed...))
	r.v.AddResponse(driver.VirtualResponse{
		TriggerID:   0x7E0,
		TriggerData: []byte{0x10, 18, 0x27, 0x02},
		ResponseID:  0x7E8,
		Response:    []byte{0x30, 0x00, 0x00},
	})
	r.v.AddResponse(driver.VirtualResponse{
		TriggerID:   0x7E0,
		TriggerData: []byte{0x22},
		ResponseID:  0x7E8,
		Response:    []byte{0x02, 0x67, 0x02},
	})

	require.NoError(t, firstErr(r.exec("uds connect 0x7E0 0x7E8")))
	out, _, err := r.exec("uds unlock 1 " + driver.HexString(secret))
	require.NoError(t, err)
	assert.Contains(t, out, "Unlocked level 0x01")

	// first frame and consecutive frames without their PCI bytes
	frames := r.writes(0x7E0)
	require.Len(t, frames, 4)
	sent := frames[1][2:]
	for _, f := range frames[2:] {
		sent = append(sent, f[1:]...)
	}
	assert.Equal(t, append([]byte{0x27, 0x02}, key...), sent[:2+len(key)])
}

func TestUDSDownloadMissingFile(t *testing.T) {
	r := newRig(t)
	require.NoError(t, firstErr(r.exec("uds connect 0x7E0 0x7E8")))

	_, _, err := r.exec("uds download " + filepath.Join(t.TempDir(), "missing.hex"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	empty := filepath.Join(t.TempDir(), "empty.hex")
	require.NoError(t, os.WriteFile(empty, []byte(":00000001FF\n"), 0o644))
	_, _, err = r.exec("uds download " + empty)
	assert.True(t, errors.Is(err, udsclient.ErrInvalidArgument))
}

func TestParseHelpers(t *testing.T) {
	b, err := parseByte("0x27")
	require.NoError(t, err)
	assert.Equal(t, byte(0x27), b)
	_, err = parseByte("256")
	assert.Error(t, err)

	for _, s := range []string{"on", "ON", "1", "true"} {
		on, err := parseOnOff(s)
		require.NoError(t, err)
		assert.True(t, on, s)
	}
	on, err := parseOnOff("off")
	require.NoError(t, err)
	assert.False(t, on)
	_, err = parseOnOff("maybe")
	assert.True(t, strings.Contains(err.Error(), "on or off"))
}
