package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger so the app can carry its output handle.
type Logger struct {
	zerolog.Logger
	closer io.Closer
}

// New builds a logger writing to stdout.
func New(level string, pretty bool) *Logger {
	l, _ := NewWithOutput(level, pretty, "stdout", "")
	return l
}

// NewWithOutput builds a logger for output "stdout", "stderr" or "file".
func NewWithOutput(level string, pretty bool, output, file string) (*Logger, error) {
	var (
		w      io.Writer
		closer io.Closer
	)

	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		if strings.TrimSpace(file) == "" {
			return nil, fmt.Errorf("log output file requires a path")
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", file, err)
		}
		w, closer = f, f
	default:
		return nil, fmt.Errorf("unknown log output %q", output)
	}

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()

	return &Logger{Logger: zl, closer: closer}, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
