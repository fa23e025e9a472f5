// Package logger provides structured logging for the HashPass server.
//
// It wraps Go's log/slog with selectable output formats (text, color,
// json), level filtering, and context propagation. The global logger is
// swapped atomically, which makes configuration hot reload safe.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var global atomic.Pointer[slog.Logger]

// Config selects the behavior of a logger built by New.
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // text, color, json
	Quiet   bool   // errors only, overrides Level
	Verbose bool   // debug, overrides Level and Quiet
	Output  io.Writer
}

// Get returns the global logger, initializing it with defaults on first
// use.
func Get() *slog.Logger {
	l := global.Load()
	if l == nil {
		SetDefault()
		l = global.Load()
	}
	return l
}

// Set atomically replaces the global logger.
func Set(l *slog.Logger) {
	global.Store(l)
}

// SetDefault installs an info-level text logger on stderr.
func SetDefault() {
	Set(New(Config{Level: "info", Format: "text", Output: os.Stderr}))
}

// New builds a logger from cfg. A nil Output falls back to stderr.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return slog.New(newHandler(cfg.Format, parseLevel(cfg), out))
}

func parseLevel(cfg Config) slog.Level {
	if cfg.Verbose {
		return slog.LevelDebug
	}
	if cfg.Quiet {
		return slog.LevelError
	}
	switch strings.ToLower(cfg.Level) {
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

// Debug logs at debug level on the global logger.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Info logs at info level on the global logger.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs at warn level on the global logger.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs at error level on the global logger.
func Error(msg string, args ...any) { Get().Error(msg, args...) }
