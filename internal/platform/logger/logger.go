package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phrazzld/taskengine/internal/config"
)

type contextKey struct{}

// ParseLevel converts a configured level name (case-insensitive) to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a JSON logger writing to w at the given level. An unknown level
// falls back to info and is reported as a warning on the returned logger.
func New(w io.Writer, level string) *slog.Logger {
	lvl, err := ParseLevel(level)

	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	if err != nil {
		l.Warn("invalid log level configured, using default level",
			"configured_level", level,
			"default_level", "info")
	}
	return l
}

// Setup initializes the process-wide JSON logger from the server
// configuration and installs it as the slog default. A nil w logs to stderr,
// leaving stdout to command output.
func Setup(cfg config.ServerConfig, w io.Writer) (*slog.Logger, error) {
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	l := New(w, cfg.LogLevel)
	slog.SetDefault(l)
	return l, nil
}

// WithLogger returns a context carrying l.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or the slog default.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
