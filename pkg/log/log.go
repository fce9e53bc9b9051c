package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	level  = new(slog.LevelVar)
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	format           = "text"
	logger *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	rebuild()
}

// rebuild must be called with mu held, or from init.
func rebuild() {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// SetLevel sets the global log level from a string.
// Valid values: debug, info, warn, error (case-insensitive).
// Returns false if the level string is invalid.
func SetLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return false
	}
	return true
}

// SetFormat switches between the "text" and "json" handlers.
// Returns false for any other value and leaves the handler unchanged.
func SetFormat(f string) bool {
	f = strings.ToLower(f)
	if f != "text" && f != "json" {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	format = f
	rebuild()
	return true
}

// SetOutput changes the output destination for the logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// Level returns the current log level as a string.
func Level() string {
	switch level.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	current().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}

func current() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}
