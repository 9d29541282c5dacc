package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op; it must not call the previous logger
	called = false
	SetLogger(nil)
	Logf("test")
	assert.False(t, called)
}

func TestSetupJSON(t *testing.T) {
	original := Logger()
	defer Install(original)

	var buf bytes.Buffer
	_, err := Setup(LogConfig{Level: "warn", Format: "json", Out: &buf})
	require.NoError(t, err)

	l := Component("broadcast")
	l.Info().Msg("dropped by level")
	l.Warn().Int("slot", 2).Msg("client send failed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec), "exactly one JSON line expected: %s", buf.String())
	assert.Equal(t, "broadcast", rec["component"])
	assert.Equal(t, "warn", rec["level"])
	assert.EqualValues(t, 2, rec["slot"])
}

func TestSetupRejectsBadInput(t *testing.T) {
	_, err := Setup(LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = Setup(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Second, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, n := th.AllowAt(now)
	assert.True(t, ok)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		ok, _ = th.AllowAt(now.Add(time.Duration(i) * time.Millisecond))
		assert.False(t, ok)
	}

	ok, n = th.AllowAt(now.Add(2 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, 3, n, "suppressed count is reported once")
}
