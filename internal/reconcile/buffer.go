package reconcile

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/realtime"
)

const (
	DefaultBufferWindow   = 30 * time.Second
	DefaultBufferCapacity = 1000
)

type pending struct {
	parent string
	ev     *realtime.Event
	added  time.Time
	done   bool // replayed, expired or evicted
}

// PendingBuffer holds events whose parent entity is not yet known locally,
// keyed by the parent. Entries leave the buffer when their parent arrives,
// when they outlive the window, or when the buffer is over capacity, oldest
// first. It is not safe for concurrent use; the Reconciler serializes
// access.
type PendingBuffer struct {
	clock    clock.Clock
	window   time.Duration
	capacity int

	queue    []*pending // arrival order
	byParent map[string][]*pending
	live     int
}

func NewPendingBuffer(clk clock.Clock, window time.Duration, capacity int) *PendingBuffer {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultBufferWindow
	}
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &PendingBuffer{
		clock:    clk,
		window:   window,
		capacity: capacity,
		byParent: make(map[string][]*pending),
	}
}

// Add buffers ev until parent is applied.
func (b *PendingBuffer) Add(parent string, ev *realtime.Event) {
	b.expire()
	p := &pending{parent: parent, ev: ev, added: b.clock.Now()}
	b.queue = append(b.queue, p)
	b.byParent[parent] = append(b.byParent[parent], p)
	b.live++

	for b.live > b.capacity {
		b.evictOldest("capacity")
	}
}

// Take removes and returns the events waiting on parent in arrival order.
func (b *PendingBuffer) Take(parent string) []*realtime.Event {
	b.expire()
	entries := b.byParent[parent]
	if len(entries) == 0 {
		return nil
	}
	delete(b.byParent, parent)

	out := make([]*realtime.Event, 0, len(entries))
	for _, p := range entries {
		if p.done {
			continue
		}
		p.done = true
		b.live--
		out = append(out, p.ev)
	}
	return out
}

// Discard drops everything waiting on parent, used when the parent is
// deleted before it was ever seen.
func (b *PendingBuffer) Discard(parent string) int {
	n := 0
	for _, p := range b.byParent[parent] {
		if !p.done {
			p.done = true
			b.live--
			n++
		}
	}
	delete(b.byParent, parent)
	return n
}

// Len reports the number of live entries.
func (b *PendingBuffer) Len() int {
	b.expire()
	return b.live
}

// Waiting reports the number of live entries for parent.
func (b *PendingBuffer) Waiting(parent string) int {
	b.expire()
	n := 0
	for _, p := range b.byParent[parent] {
		if !p.done {
			n++
		}
	}
	return n
}

func (b *PendingBuffer) expire() {
	cutoff := b.clock.Now().Add(-b.window)
	for len(b.queue) > 0 {
		head := b.queue[0]
		if !head.done && head.added.After(cutoff) {
			return
		}
		if head.done {
			b.popHead()
			continue
		}
		b.evictOldest("expired")
	}
}

func (b *PendingBuffer) evictOldest(reason string) {
	for len(b.queue) > 0 {
		head := b.popHead()
		if head.done {
			continue
		}
		head.done = true
		b.live--
		b.unlink(head)
		log.Warn("reconcile: dropped buffered event",
			"reason", reason,
			"parent", head.parent,
			"table", head.ev.Table,
			"kind", string(head.ev.Kind),
			"age", b.clock.Since(head.added).String(),
		)
		return
	}
}

func (b *PendingBuffer) popHead() *pending {
	head := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return head
}

func (b *PendingBuffer) unlink(p *pending) {
	list := b.byParent[p.parent]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.byParent, p.parent)
		return
	}
	b.byParent[p.parent] = list
}
