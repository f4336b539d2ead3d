package observ

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.999999999Z07:00"
}

// NewLogger builds a stdout JSON logger at the given level (info when unparseable).
func NewLogger(level string) zerolog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// SetLogger replaces the process logger used by Log and Component.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a child logger tagged with component=name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Log writes one event line with the given fields.
func Log(event string, kv map[string]any) {
	l := Logger()
	l.Info().Fields(kv).Str("event", event).Send()
}
