package log

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestRingBufferEviction(t *testing.T) {
	buf := NewRingBuffer(3)
	for _, l := range []string{"a", "b", "c", "d"} {
		buf.Add(l)
	}

	lines := buf.Lines(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "b" || lines[2] != "d" {
		t.Errorf("unexpected order %v", lines)
	}
	if got := buf.Lines(2); got[0] != "c" || got[1] != "d" {
		t.Errorf("Lines(2) = %v, want [c d]", got)
	}
}

func TestRingBufferEmptyAndDefaults(t *testing.T) {
	buf := NewRingBuffer(0)
	if buf.Capacity() != defaultBufferLines {
		t.Errorf("expected default capacity %d, got %d", defaultBufferLines, buf.Capacity())
	}
	if n := len(buf.Lines(5)); n != 0 {
		t.Errorf("expected no lines, got %d", n)
	}
	if buf.Total() != 0 {
		t.Errorf("expected total 0, got %d", buf.Total())
	}
}

func TestBufferHandlerForwards(t *testing.T) {
	buf := NewRingBuffer(10)
	var out bytes.Buffer
	h := NewBufferHandler(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}), buf)

	logger := slog.New(h).With("component", "hub")
	logger.Debug("only buffered")
	logger.Info("both")

	if buf.Total() != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", buf.Total())
	}
	if bytes.Contains(out.Bytes(), []byte("only buffered")) {
		t.Error("debug line must not reach the info-level handler")
	}
	if !bytes.Contains(out.Bytes(), []byte("component=hub")) {
		t.Errorf("expected attrs forwarded, got %q", out.String())
	}
}

func TestBufferHandlerNilWrapped(t *testing.T) {
	buf := NewRingBuffer(4)
	slog.New(NewBufferHandler(nil, buf)).WithGroup("g").Info("x")
	if buf.Total() != 1 {
		t.Errorf("expected 1 line, got %d", buf.Total())
	}
}
