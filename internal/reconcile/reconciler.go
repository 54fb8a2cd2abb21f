// Package reconcile applies realtime events to a client's local copy of
// board state. Updates merge onto what is already held, echoes of the
// client's own optimistic writes are dropped, conflicting writes are
// ordered by timestamp, and rows that arrive before their parent wait in a
// PendingBuffer.
package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/client"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/realtime"
)

var (
	ErrUnsupportedTable = errors.New("reconcile: table does not accept optimistic writes")
	ErrMissingParent    = errors.New("reconcile: parent row is not loaded")
)

// Outcome describes what Apply did with an event.
type Outcome int

const (
	Applied Outcome = iota
	// Buffered events wait for their parent row.
	Buffered
	// Suppressed events echoed one of this client's own writes.
	Suppressed
	// Stale events lost every field to a newer local write.
	Stale
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Suppressed:
		return "suppressed"
	case Stale:
		return "stale"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

type Config struct {
	Clock          clock.Clock
	BufferWindow   time.Duration
	BufferCapacity int
	// OnApply, if set, observes every event after it was handled, replayed
	// children included. It runs without the reconciler's lock held.
	OnApply func(ev *realtime.Event, o Outcome)
}

// Write is one optimistic local change awaiting confirmation.
type Write struct {
	table   string
	id      string
	stamp   int64
	fields  realtime.Record // written values, updated_at included
	prev    realtime.Record
	missing map[string]bool // fields absent before the write
	created bool
}

func (w *Write) Table() string { return w.table }
func (w *Write) ID() string    { return w.id }

// Stamp is the local timestamp written to updated_at.
func (w *Write) Stamp() int64 { return w.stamp }

// Payload returns the row to send to the server: id plus the written
// fields, updated_at included.
func (w *Write) Payload() realtime.Record {
	out := w.fields.Clone()
	out["id"] = w.id
	return out
}

// writable lists the tables keyed by a plain id.
var writable = map[string]bool{
	channel.TableWorkspaces: true,
	channel.TableBoards:     true,
	channel.TableColumns:    true,
	channel.TableCards:      true,
}

type note struct {
	ev *realtime.Event
	o  Outcome
}

// Reconciler owns a State and applies events and local writes to it. It is
// safe for concurrent use.
type Reconciler struct {
	mu        sync.Mutex
	cfg       Config
	clock     clock.Clock
	state     *State
	buffer    *PendingBuffer
	writes    map[string][]*Write // entity key -> pending writes, oldest first
	lastStamp int64
}

func New(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Reconciler{
		cfg:    cfg,
		clock:  cfg.Clock,
		state:  NewState(),
		buffer: NewPendingBuffer(cfg.Clock, cfg.BufferWindow, cfg.BufferCapacity),
		writes: make(map[string][]*Write),
	}
}

// Handlers adapts the reconciler to a Registry handler set.
func (r *Reconciler) Handlers() client.Handlers {
	apply := func(ev *realtime.Event) { r.Apply(ev) }
	return client.Handlers{OnInsert: apply, OnUpdate: apply, OnDelete: apply}
}

// View runs fn with the state locked. fn must not retain s.
func (r *Reconciler) View(fn func(s *State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

// Buffered reports how many events wait on a missing parent.
func (r *Reconciler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer.Len()
}

// PendingWrites reports the unconfirmed local writes on a row.
func (r *Reconciler) PendingWrites(table, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes[entityKey(table, id)])
}

// Apply handles one incoming event.
func (r *Reconciler) Apply(ev *realtime.Event) Outcome {
	var notes []note
	r.mu.Lock()
	o := r.apply(ev, &notes)
	r.mu.Unlock()
	r.notify(notes)
	return o
}

// Load seeds rows fetched out of band, such as an initial board snapshot.
func (r *Reconciler) Load(table string, rows ...realtime.Record) error {
	events := make([]*realtime.Event, 0, len(rows))
	for _, row := range rows {
		ev := &realtime.Event{Kind: realtime.KindInsert, Table: table, New: row}
		if err := ev.Validate(); err != nil {
			return err
		}
		events = append(events, ev)
	}

	var notes []note
	r.mu.Lock()
	for _, ev := range events {
		r.apply(ev, &notes)
	}
	r.mu.Unlock()
	r.notify(notes)
	return nil
}

func (r *Reconciler) notify(notes []note) {
	if r.cfg.OnApply == nil {
		return
	}
	for _, n := range notes {
		r.cfg.OnApply(n.ev, n.o)
	}
}

func (r *Reconciler) apply(ev *realtime.Event, notes *[]note) Outcome {
	var o Outcome
	switch ev.Kind {
	case realtime.KindInsert, realtime.KindUpdate:
		o = r.upsert(ev)
	case realtime.KindDelete:
		o = r.remove(ev)
	default:
		o = Ignored
	}
	*notes = append(*notes, note{ev: ev, o: o})

	if ev.Kind == realtime.KindDelete || o == Buffered || o == Ignored {
		return o
	}
	id := realtime.Key(ev.Table, ev.New)
	if !r.state.Has(ev.Table, id) {
		return o
	}
	for _, child := range r.buffer.Take(entityKey(ev.Table, id)) {
		r.apply(child, notes)
	}
	return o
}

// parentOf returns the parent row r belongs to once incoming is merged.
func parentOf(table string, incoming, cur realtime.Record) (parentRef, string, bool) {
	ref, ok := parents[table]
	if !ok {
		return parentRef{}, "", false
	}
	if id := incoming.String(ref.fk); id != "" {
		return ref, id, true
	}
	if cur != nil {
		return ref, cur.String(ref.fk), true
	}
	return ref, "", true
}

func (r *Reconciler) upsert(ev *realtime.Event) Outcome {
	table := ev.Table
	id := realtime.Key(table, ev.New)
	cur := r.state.lookup(table, id)

	ref, parentID, hasParent := parentOf(table, ev.New, cur)
	if hasParent && ref.required {
		if parentID == "" {
			log.Debug("reconcile: ignoring update for unknown row", "table", table, "id", id)
			return Ignored
		}
		if !r.state.Has(ref.table, parentID) {
			r.buffer.Add(entityKey(ref.table, parentID), ev)
			log.Debug("reconcile: buffered until parent arrives", "table", table, "id", id, "parent", parentID)
			return Buffered
		}
	}

	key := entityKey(table, id)
	incoming := ev.New.Clone()
	if pending := r.writes[key]; len(pending) > 0 {
		stamp, hasStamp := stampOf(incoming)
		if hasStamp {
			if w := matchEcho(pending, incoming, stamp); w != nil {
				r.settleThrough(key, w.stamp)
				return Suppressed
			}
		}
		if !r.resolveConflicts(key, incoming, stamp, hasStamp) {
			return Stale
		}
	}

	r.merge(table, id, cur, incoming)
	return Applied
}

// matchEcho finds the pending write that incoming confirms: same stamp and
// the same values for every written field it carries.
func matchEcho(pending []*Write, incoming realtime.Record, stamp int64) *Write {
	for _, w := range pending {
		if w.stamp != stamp {
			continue
		}
		match := true
		for f, v := range w.fields {
			if f == stampField {
				continue
			}
			if got, ok := incoming[f]; ok && !sameValue(got, v) {
				match = false
				break
			}
		}
		if match {
			return w
		}
	}
	return nil
}

// resolveConflicts drops from incoming every field a newer local write
// holds, and releases fields incoming wins from the writes that held them.
// It reports whether anything besides the row's identity survives.
func (r *Reconciler) resolveConflicts(key string, incoming realtime.Record, stamp int64, hasStamp bool) bool {
	pending := r.writes[key]
	survivors := 0
	for f := range incoming {
		if f == "id" {
			continue
		}
		var holder *Write
		for _, w := range slices.Backward(pending) {
			if _, ok := w.fields[f]; ok {
				holder = w
				break
			}
		}
		if holder == nil {
			survivors++
			continue
		}
		if hasStamp && stamp < holder.stamp {
			delete(incoming, f)
			continue
		}
		// Ties and unstamped rows go to the server.
		for _, w := range pending {
			delete(w.fields, f)
			delete(w.prev, f)
			delete(w.missing, f)
		}
		survivors++
	}

	kept := pending[:0]
	for _, w := range pending {
		if len(w.fields) > 0 {
			kept = append(kept, w)
		}
	}
	r.setWrites(key, kept)
	return survivors > 0
}

func (r *Reconciler) setWrites(key string, ws []*Write) {
	if len(ws) == 0 {
		delete(r.writes, key)
		return
	}
	r.writes[key] = ws
}

// settleThrough forgets every write on key stamped at or before stamp.
func (r *Reconciler) settleThrough(key string, stamp int64) {
	pending := r.writes[key]
	kept := pending[:0]
	for _, w := range pending {
		if w.stamp > stamp {
			kept = append(kept, w)
		}
	}
	r.setWrites(key, kept)
}

// merge shallow-merges incoming onto the held row, never dropping fields
// the payload does not mention.
func (r *Reconciler) merge(table, id string, cur, incoming realtime.Record) {
	next := cur.Clone()
	if next == nil {
		next = realtime.Record{}
	}
	prevParent := ""
	if ref, ok := parents[table]; ok && cur != nil {
		prevParent = cur.String(ref.fk)
	}

	reorder := false
	for k, v := range incoming {
		if k == "position" && !sameValue(next[k], v) {
			reorder = true
		}
		next[k] = v
	}
	r.state.put(table, id, next, prevParent, reorder)
}

func (r *Reconciler) remove(ev *realtime.Event) Outcome {
	table := ev.Table
	id := realtime.Key(table, ev.Old)
	if !r.state.Has(table, id) {
		// Its insert may still be waiting on the parent.
		if ref, ok := parents[table]; ok && ref.required {
			if parentID := ev.Old.String(ref.fk); parentID != "" && !r.state.Has(ref.table, parentID) {
				r.buffer.Add(entityKey(ref.table, parentID), ev)
				return Buffered
			}
		}
		return Ignored
	}
	r.state.remove(table, id)
	delete(r.writes, entityKey(table, id))
	return Applied
}

func (r *Reconciler) nextStamp() int64 {
	now := r.clock.Now().UnixMilli()
	if now <= r.lastStamp {
		now = r.lastStamp + 1
	}
	r.lastStamp = now
	return now
}

// Optimistic applies a local write to the row table/id before the server
// has seen it. The returned Write's Payload is what the caller should
// persist; its updated_at stamp lets the echo be recognized. A row not held
// yet is created, in which case fields must carry its parent key.
func (r *Reconciler) Optimistic(table, id string, fields realtime.Record) (*Write, error) {
	if !writable[table] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTable, table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.lookup(table, id)
	kind := realtime.KindUpdate
	if cur == nil {
		kind = realtime.KindInsert
	}

	w := &Write{
		table:   table,
		id:      id,
		stamp:   r.nextStamp(),
		fields:  fields.Clone(),
		prev:    realtime.Record{},
		missing: make(map[string]bool),
		created: cur == nil,
	}
	if w.fields == nil {
		w.fields = realtime.Record{}
	}
	delete(w.fields, "id")
	w.fields[stampField] = w.stamp

	row := w.Payload()
	if err := (&realtime.Event{Kind: kind, Table: table, New: row}).Validate(); err != nil {
		return nil, err
	}
	if ref, parentID, ok := parentOf(table, row, cur); ok && ref.required && !r.state.Has(ref.table, parentID) {
		return nil, fmt.Errorf("%w: %s %s", ErrMissingParent, ref.table, parentID)
	}

	for f := range w.fields {
		if v, ok := cur[f]; ok {
			w.prev[f] = v
		} else {
			w.missing[f] = true
		}
	}

	key := entityKey(table, id)
	r.writes[key] = append(r.writes[key], w)
	r.merge(table, id, cur, row)
	return w, nil
}

// Rollback undoes a write whose mutation failed. Fields a later write or a
// newer server value has since replaced are left alone.
func (r *Reconciler) Rollback(w *Write) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entityKey(w.table, w.id)
	pending := r.writes[key]
	i := slices.Index(pending, w)
	if i < 0 {
		return
	}
	pending = slices.Delete(pending, i, i+1)
	r.setWrites(key, pending)

	cur := r.state.lookup(w.table, w.id)
	if cur == nil {
		return
	}
	if w.created && len(pending) == 0 {
		r.state.remove(w.table, w.id)
		return
	}

	restore := cur.Clone()
	for f, v := range w.fields {
		if !sameValue(cur[f], v) {
			continue
		}
		if w.missing[f] {
			delete(restore, f)
		} else {
			restore[f] = w.prev[f]
		}
	}

	prevParent := ""
	if ref, ok := parents[w.table]; ok {
		prevParent = cur.String(ref.fk)
	}
	r.state.put(w.table, w.id, restore, prevParent, !sameValue(cur["position"], restore["position"]))
}

// Settle forgets a write the caller knows was persisted, without touching
// local state.
func (r *Reconciler) Settle(w *Write) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entityKey(w.table, w.id)
	r.setWrites(key, slices.DeleteFunc(r.writes[key], func(x *Write) bool { return x == w }))
}
