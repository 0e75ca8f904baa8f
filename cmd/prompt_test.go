package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/vxlcan/bus"
	"github.com/LoveWonYoung/vxlcan/config"
	"github.com/LoveWonYoung/vxlcan/driver"
)

// answers returns a prompt that replies with each answer in turn and then
// fails like a closed terminal.
func answers(a ...string) (promptFunc, *int) {
	asked := 0
	return func(string) (string, error) {
		if asked >= len(a) {
			return "", errors.New("^D")
		}
		asked++
		return a[asked-1], nil
	}, &asked
}

func TestResolveChannel(t *testing.T) {
	lg := zap.NewNop().Sugar()
	tests := []struct {
		name   string
		flag   string
		env    int
		answer []string
		want   int
		asked  int
	}{
		{"flag", "3", 5, nil, 3, 0},
		{"environment", "", 5, nil, 5, 0},
		{"prompt", "", 0, []string{"2"}, 2, 1},
		{"empty answer", "", 0, []string{""}, defaultChannel, 1},
		{"not a number", "", 0, []string{"two"}, defaultChannel, 1},
		{"bad flag", "-4", 0, nil, defaultChannel, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ask, asked := answers(tt.answer...)
			got, err := resolveChannel(tt.flag, config.Env{Channel: tt.env}, ask, lg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.asked, *asked)
		})
	}

	ask, _ := answers()
	_, err := resolveChannel("", config.Env{}, ask, lg)
	assert.Error(t, err, "closed terminal")
}

func TestResolveBaud(t *testing.T) {
	lg := zap.NewNop().Sugar()

	ask, asked := answers()
	got, err := resolveBaud(config.Env{BaudRate: 250000}, ask, lg)
	require.NoError(t, err)
	assert.Equal(t, 250000, got)
	assert.Equal(t, 0, *asked)

	ask, _ = answers("125000")
	got, err = resolveBaud(config.Env{}, ask, lg)
	require.NoError(t, err)
	assert.Equal(t, 125000, got)

	for _, a := range []string{"", "fast", "-1"} {
		ask, _ = answers(a)
		got, err = resolveBaud(config.Env{}, ask, lg)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultBaudRate, got, a)
	}

	ask, _ = answers()
	_, err = resolveBaud(config.Env{}, ask, lg)
	assert.Error(t, err)
}

func TestImportDatabase(t *testing.T) {
	lg := zap.NewNop().Sugar()
	c := bus.New(driver.NewVirtual(1))
	defer func() { _ = c.Close() }()
	ch, err := c.AddChannel(1, 500000, "")
	require.NoError(t, err)

	ask, asked := answers("missing.dbc", testDBC)
	assert.Equal(t, testDBC, importDatabase(ch, "also_missing.dbc", ask, lg))
	assert.Equal(t, 2, *asked)
	assert.NotNil(t, ch.DB())

	ask, asked = answers()
	assert.Equal(t, testDBC, importDatabase(ch, testDBC, ask, lg))
	assert.Equal(t, 0, *asked)

	ask, _ = answers("")
	assert.Empty(t, importDatabase(ch, "", ask, lg), "skipped")
}
