package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps the configured log_level string (or the logging filter
// env var) to an slog.Level, defaulting to Info on an empty or unknown
// value.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds the daemon's top-level logger: a colorized text handler when
// attached to a terminal in foreground mode, plain text otherwise (the
// daemonizer redirects stdout to its log file, so color codes would only
// add noise there).
func New(level slog.Level, foreground bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if foreground && isTerminal(os.Stdout) {
		handler = NewColorTextHandler(os.Stdout, opts, true)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// NewWithWriter builds a plain text logger writing to w. The daemon itself
// does not use it: New covers both the foreground and the daemonized path.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
