package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup returns a JSON slog.Logger writing to w at the given level name
// (debug, info, warn, error). Unknown names fall back to info.
func Setup(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// SetupDefault installs the logger returned by Setup as the slog default.
func SetupDefault(w io.Writer, level string) *slog.Logger {
	l := Setup(w, level)
	slog.SetDefault(l)
	return l
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
