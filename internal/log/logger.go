// Package log provides configurable slog-based logging for boardsync with
// console and file backends and an optional in-memory tail buffer.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Mode   string // "console" or "file"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"

	// File mode
	FilePath   string
	MaxSizeMB  int // rotate once the active file grows past this
	MaxAgeDays int // rotated files older than this are removed
	MaxBackups int // at most this many rotated files are kept

	// Lines retained in memory for the logs endpoint (0 disables the buffer)
	BufferLines int
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "console",
		Level:       "info",
		Format:      "text",
		FilePath:    "boardsync.log",
		MaxSizeMB:   100,
		MaxAgeDays:  7,
		MaxBackups:  3,
		BufferLines: 500,
	}
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
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

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	tail          *RingBuffer
	closer        Closeable
)

// Init installs the process logger described by cfg and makes it the slog default.
// Calling Init again replaces the previous logger and releases its file, if any.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	var c Closeable
	switch cfg.Mode {
	case "file":
		fh, err := NewFileHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, c = fh, fh
	default:
		handler = NewConsoleHandler(os.Stdout, cfg, level)
	}

	mu.Lock()
	defer mu.Unlock()

	if closer != nil {
		_ = closer.Close()
	}
	closer = c

	if cfg.BufferLines > 0 {
		tail = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, tail)
	} else {
		tail = nil
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// Logger returns the current process logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Logger().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger { return Logger().With(args...) }

// Log logs at an arbitrary level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// Tail returns up to n of the most recent buffered lines, oldest first.
// It returns nil when the buffer is disabled.
func Tail(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if tail == nil {
		return nil
	}
	return tail.Lines(n)
}

// TailStats reports how many lines are buffered and the buffer capacity.
// ok is false when the buffer is disabled.
func TailStats() (total, capacity int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if tail == nil {
		return 0, 0, false
	}
	return tail.Total(), tail.Capacity(), true
}
