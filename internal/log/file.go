package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Closeable is implemented by handlers that hold resources.
type Closeable interface {
	Close() error
}

// rotatingFile is an io.Writer that renames the active file aside once it
// grows past maxSize. It is shared by every handler derived from one
// FileHandler so rotation is seen by all of them.
type rotatingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxSize    int64
	maxAge     time.Duration
	maxBackups int
}

func openRotatingFile(cfg *Config) (*rotatingFile, error) {
	if dir := filepath.Dir(cfg.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}
	rf := &rotatingFile{
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size >= rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// rotate must be called with mu held.
func (rf *rotatingFile) rotate() error {
	rf.file.Close()

	backup := rf.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(rf.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	rf.prune()
	return rf.open()
}

func (rf *rotatingFile) prune() {
	backups, err := filepath.Glob(rf.path + ".*")
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	list := make([]backup, 0, len(backups))
	for _, p := range backups {
		if info, err := os.Stat(p); err == nil {
			list = append(list, backup{path: p, modTime: info.ModTime()})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].modTime.After(list[j].modTime) })

	cutoff := time.Now().Add(-rf.maxAge)
	for i, b := range list {
		if i >= rf.maxBackups || (rf.maxAge > 0 && b.modTime.Before(cutoff)) {
			os.Remove(b.path)
		}
	}
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// FileHandler writes log records to a size-rotated file.
type FileHandler struct {
	out   *rotatingFile
	inner slog.Handler
}

// NewFileHandler opens cfg.FilePath for appending and returns a handler
// formatting records as cfg.Format.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	out, err := openRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(out, opts)
	} else {
		inner = slog.NewTextHandler(out, opts)
	}
	return &FileHandler{out: out, inner: inner}, nil
}

// Enabled implements slog.Handler.
func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{out: h.out, inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{out: h.out, inner: h.inner.WithGroup(name)}
}

// Close releases the underlying file.
func (h *FileHandler) Close() error {
	return h.out.Close()
}
