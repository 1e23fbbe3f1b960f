package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so packages share one handler configuration.
type Logger struct {
	*slog.Logger
}

func New(level string) *Logger {
	return NewWithFormat(level, "text", os.Stdout)
}

// NewWithFormat builds a logger writing to w. format is "text" or "json".
func NewWithFormat(level, format string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ForTrade returns a child logger tagged with a trade's identity.
func (l *Logger) ForTrade(tradeID, broker, instrument string) *Logger {
	return l.With("trade_id", tradeID, "broker", broker, "instrument", instrument)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
