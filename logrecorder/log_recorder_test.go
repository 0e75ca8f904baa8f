package logrecorder

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var when = time.Date(2025, 4, 25, 9, 7, 0, 0, time.Local)

func TestMakeDir(t *testing.T) {
	base := t.TempDir()
	dir, err := MakeDir(base, when)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "2025_04_25"), dir)
	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	again, err := MakeDir(base, when)
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestNowString(t *testing.T) {
	assert.Equal(t, "20250425_0907", NowString(when))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	r, err := New(Options{Dir: t.TempDir(), Name: "bus", Level: zapcore.InfoLevel, Console: &console}, when)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(r.Path, filepath.Join("2025_04_25", "bus20250425_0907.log")))

	r.Sugar().Infow("channel added", "channel", 1)
	r.Sugar().Debug("hidden")
	require.NoError(t, r.Close())

	assert.Contains(t, console.String(), "channel added")
	assert.NotContains(t, console.String(), "hidden")

	raw, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.Split(raw, []byte("\n"))[0], &entry))
	assert.Equal(t, "channel added", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, float64(1), entry["channel"])
}

func TestNewConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	r, err := New(Options{Level: zapcore.DebugLevel, Console: &console}, when)
	require.NoError(t, err)
	assert.Empty(t, r.Path)
	r.Sugar().Debug("visible")
	require.NoError(t, r.Close())
	assert.Contains(t, console.String(), "visible")
}
