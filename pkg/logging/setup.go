package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/S1riyS/hugefs/pkg/logging/slogpretty"
)

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewLogger builds the process logger. Pretty output is meant for terminals.
func NewLogger(out io.Writer, level string, pretty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if pretty {
		prettyOpts := slogpretty.PrettyHandlerOptions{SlogOpts: opts}
		return slog.New(prettyOpts.NewPrettyHandler(out))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}
