// Package monitoring owns process logging. Components take a sub-logger from
// Component; legacy printf-style call sites use Logf.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects the level and output format of the process logger.
type LogConfig struct {
	Level  string // trace, debug, info, warn, error
	Format string // console or json
	Out    io.Writer
}

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Logf is the package-level diagnostic logger. It defaults to an info-level
// message on the process logger but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	l := Logger()
	l.Info().Msg(fmt.Sprintf(format, v...))
}

// SetLogger replaces Logf. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Setup builds the process logger from cfg and installs it.
func Setup(cfg LogConfig) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
		w = out
	default:
		return zerolog.Logger{}, fmt.Errorf("unsupported log format %q: expected console or json", cfg.Format)
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	Install(l)
	return l, nil
}

// Install makes l the process logger.
func Install(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a sub-logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// ParseLevel accepts zerolog level names; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
