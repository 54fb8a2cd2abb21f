package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

const defaultBufferLines = 500

// RingBuffer keeps the most recent formatted log lines.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	next  int
	full  bool
}

// NewRingBuffer creates a buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultBufferLines
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add appends a line, overwriting the oldest once the buffer is full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.next == 0 {
		rb.full = true
	}
}

// Lines returns up to n of the newest lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	total := rb.count()
	if n > total {
		n = total
	}
	if n <= 0 {
		return []string{}
	}

	start := 0
	if rb.full {
		start = rb.next
	}
	skip := total - n
	out := make([]string, n)
	for i := range out {
		out[i] = rb.lines[(start+skip+i)%len(rb.lines)]
	}
	return out
}

// Total returns the number of buffered lines.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count()
}

// Capacity returns the maximum number of lines kept.
func (rb *RingBuffer) Capacity() int {
	return len(rb.lines)
}

func (rb *RingBuffer) count() int {
	if rb.full {
		return len(rb.lines)
	}
	return rb.next
}

// BufferHandler records every log line into a RingBuffer and forwards it
// to the wrapped handler when that handler accepts the level.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
}

// NewBufferHandler wraps h. A nil h only fills the buffer.
func NewBufferHandler(h slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: h, buffer: buffer}
}

// Enabled is always true so debug lines reach the buffer even when the
// wrapped handler filters them.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle formats r into the buffer, then forwards it.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var line bytes.Buffer
	text := slog.NewTextHandler(&line, &slog.HandlerOptions{Level: slog.LevelDebug})
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(line.String())
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{buffer: h.buffer}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{buffer: h.buffer}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}
