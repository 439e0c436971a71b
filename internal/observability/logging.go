package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerOption configures logger creation.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	json      bool
	addSource bool
	out       io.Writer
}

// WithJSON toggles JSON output for the logger.
func WithJSON(json bool) LoggerOption {
	return func(cfg *loggerConfig) {
		cfg.json = json
	}
}

// WithSource annotates records with the calling file and line. The --debug
// flag turns it on.
func WithSource(enabled bool) LoggerOption {
	return func(cfg *loggerConfig) {
		cfg.addSource = enabled
	}
}

// NewLogger builds the process logger. Unknown levels fall back to INFO;
// config validation rejects them before this point.
func NewLogger(level string, opts ...LoggerOption) *slog.Logger {
	cfg := loggerConfig{out: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newLogger(level, cfg)
}

func newLogger(level string, cfg loggerConfig) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.addSource}
	var handler slog.Handler
	if cfg.json {
		handler = slog.NewJSONHandler(cfg.out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(cfg.out, handlerOpts)
	}
	return slog.New(handler)
}

// Component derives a child logger tagged with a subsystem name (dedupe,
// signals, outbox, mqtt, ...).
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// NoOpLogger discards everything; tests and optional collaborators use it.
func NoOpLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps the log_level setting onto a slog level. Empty means INFO.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("observability: unknown log level %q", level)
	}
}
