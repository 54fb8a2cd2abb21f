package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/boardsync/internal/boards"
	"github.com/markb/boardsync/internal/channel"
)

// fakeResolver serves a fixed foreign-key graph and counts lookups.
type fakeResolver struct {
	mu          sync.Mutex
	boardWS     map[string]string
	columnBoard map[string]string
	cardColumn  map[string]string
	calls       map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		boardWS:     map[string]string{"b1": "w1", "b2": "w1", "b3": "w1", "b9": "w2"},
		columnBoard: map[string]string{"c1": "b1", "c2": "b2", "c3": "b3"},
		cardColumn:  map[string]string{"k1": "c1"},
		calls:       map[string]int{},
	}
}

func (f *fakeResolver) lookup(kind string, m map[string]string, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	if v, ok := m[id]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%s %s: %w", kind, id, boards.ErrNotFound)
}

func (f *fakeResolver) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeResolver) BoardWorkspace(_ context.Context, id string) (string, error) {
	return f.lookup("board", f.boardWS, id)
}

func (f *fakeResolver) ColumnBoard(_ context.Context, id string) (string, error) {
	return f.lookup("column", f.columnBoard, id)
}

func (f *fakeResolver) CardColumn(_ context.Context, id string) (string, error) {
	return f.lookup("card", f.cardColumn, id)
}

func newTestPublisher(t *testing.T, resolver Resolver, cfg Config) (*Hub, *Publisher) {
	t.Helper()
	hub := newTestHub(t, allowAll, cfg)
	p := NewPublisher(hub.cfg, resolver, NewBroadcaster(hub, allowAll, hub.metrics), hub.metrics)
	return hub, p
}

// drain closes p and waits for every queued event to be dispatched.
func drain(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func subscribed(t *testing.T, hub *Hub, names ...string) map[string]*Conn {
	t.Helper()
	out := make(map[string]*Conn, len(names))
	for _, name := range names {
		c, _ := attach(t, hub, "u-"+name)
		hub.subscribe(c, name)
		out[name] = c
	}
	return out
}

func TestPublishCardReachesDerivedChannels(t *testing.T) {
	hub, p := newTestPublisher(t, newFakeResolver(), Config{})
	conns := subscribed(t, hub, "workspace:w1", "board:b1", "board-b1-cards", "board-b1-columns", "board:b2", "workspace:w2")
	p.Start()

	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableCards,
		Kind:  KindInsert,
		New:   Record{"id": "k2", "column_id": "c1", "title": "Ship it"},
	}))
	drain(t, p)

	for name, want := range map[string]int{
		"workspace:w1":     1,
		"board:b1":         1,
		"board-b1-cards":   1,
		"board-b1-columns": 0,
		"board:b2":         0,
		"workspace:w2":     0,
	} {
		msgs := queued(t, conns[name])
		require.Len(t, msgs, want, name)
		if want == 1 {
			assert.Equal(t, name, msgs[0].Channel)
			assert.Equal(t, KindInsert, msgs[0].Event)
		}
	}
}

func TestPublishCachesBoardWorkspace(t *testing.T) {
	r := newFakeResolver()
	_, p := newTestPublisher(t, r, Config{})
	p.Start()

	for i := range 3 {
		require.NoError(t, p.EmitDatabaseChange(Change{
			Table: channel.TableCards,
			Kind:  KindUpdate,
			New:   Record{"id": fmt.Sprintf("k%d", i), "column_id": "c1", "title": "x"},
		}))
	}
	drain(t, p)

	assert.Equal(t, 1, r.count("board"))
	assert.Equal(t, 3, r.count("column"), "column to board is never cached")
}

func TestPublishBoardRowSeedsCache(t *testing.T) {
	r := newFakeResolver()
	hub, p := newTestPublisher(t, r, Config{})
	conns := subscribed(t, hub, "workspace:w3", "board:b7")
	p.Start()

	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableBoards,
		Kind:  KindInsert,
		New:   Record{"id": "b7", "workspace_id": "w3", "name": "New board"},
	}))
	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableBoardMembers,
		Kind:  KindInsert,
		New:   Record{"board_id": "b7", "user_id": "u1"},
	}))
	drain(t, p)

	assert.Equal(t, 0, r.count("board"))
	assert.Len(t, queued(t, conns["workspace:w3"]), 2)
	assert.Len(t, queued(t, conns["board:b7"]), 2)
}

func TestPublishCascadedDeletesResolveAfterRowsAreGone(t *testing.T) {
	r := newFakeResolver() // knows nothing about b5, c5 or k5
	hub, p := newTestPublisher(t, r, Config{})
	conns := subscribed(t, hub, "board:b5", "workspace:w5")
	p.Start()

	changes := []Change{
		{Table: channel.TableBoards, Kind: KindDelete, Old: Record{"id": "b5", "workspace_id": "w5"}},
		{Table: channel.TableColumns, Kind: KindDelete, Old: Record{"id": "c5", "board_id": "b5"}},
		{Table: channel.TableCards, Kind: KindDelete, Old: Record{"id": "k5", "column_id": "c5"}},
		// The remembered column answers deletes only.
		{Table: channel.TableCards, Kind: KindUpdate, New: Record{"id": "k6", "column_id": "c5"}},
	}
	for _, c := range changes {
		require.NoError(t, p.EmitDatabaseChange(c))
	}
	drain(t, p)

	msgs := queued(t, conns["board:b5"])
	require.Len(t, msgs, 3)
	for i, table := range []string{channel.TableBoards, channel.TableColumns, channel.TableCards} {
		assert.Equal(t, table, msgs[i].Table)
		assert.Equal(t, KindDelete, msgs[i].Event)
	}
	assert.Len(t, queued(t, conns["workspace:w5"]), 3)
	assert.Equal(t, 0, r.count("board"), "the deleted board stays cached")
}

func TestPublishDeleteResolvesFromOldRecord(t *testing.T) {
	r := newFakeResolver()
	hub, p := newTestPublisher(t, r, Config{})
	conns := subscribed(t, hub, "board:b1")
	p.Start()

	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableCards,
		Kind:  KindDelete,
		Old:   Record{"id": "k1"},
	}))
	drain(t, p)

	assert.Equal(t, 1, r.count("card"))
	msgs := queued(t, conns["board:b1"])
	require.Len(t, msgs, 1)
	assert.Equal(t, KindDelete, msgs[0].Event)
	assert.Nil(t, msgs[0].Payload["new"])
}

func TestPublishUnresolvedIsDropped(t *testing.T) {
	hub, p := newTestPublisher(t, newFakeResolver(), Config{})
	conns := subscribed(t, hub, "board:b1")
	p.Start()

	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableCards,
		Kind:  KindInsert,
		New:   Record{"id": "k5", "column_id": "c404"},
	}))
	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableCards,
		Kind:  KindInsert,
		New:   Record{"id": "k6", "column_id": "c1"},
	}))
	drain(t, p)

	msgs := queued(t, conns["board:b1"])
	require.Len(t, msgs, 1, "the unresolved event is dropped, later events still flow")
	ev, err := msgs[0].ToEvent()
	require.NoError(t, err)
	assert.Equal(t, "k6", ev.New.ID())
}

func TestPublishPreservesOrder(t *testing.T) {
	hub, p := newTestPublisher(t, newFakeResolver(), Config{})
	conns := subscribed(t, hub, "board:b1")
	p.Start()

	for i := range 50 {
		require.NoError(t, p.EmitDatabaseChange(Change{
			Table: channel.TableCards,
			Kind:  KindUpdate,
			New:   Record{"id": "k1", "column_id": "c1", "position": float64(i)},
		}))
	}
	drain(t, p)

	msgs := queued(t, conns["board:b1"])
	require.Len(t, msgs, 50)
	for i, m := range msgs {
		ev, err := m.ToEvent()
		require.NoError(t, err)
		assert.Equal(t, float64(i), ev.New["position"])
	}
}

func TestPublishMovedCardReachesBothBoards(t *testing.T) {
	hub, p := newTestPublisher(t, newFakeResolver(), Config{})
	conns := subscribed(t, hub, "workspace:w1", "board:b1", "board:b3", "board-b1-cards")
	p.Start()

	require.NoError(t, p.EmitDatabaseChange(Change{
		Table: channel.TableCards,
		Kind:  KindUpdate,
		New:   Record{"id": "k1", "column_id": "c3"},
		Old:   Record{"id": "k1", "column_id": "c1"},
	}))
	drain(t, p)

	for name := range conns {
		assert.Len(t, queued(t, conns[name]), 1, name)
	}
}

func TestPublishExplicitAggregate(t *testing.T) {
	r := newFakeResolver()
	hub, p := newTestPublisher(t, r, Config{})
	conns := subscribed(t, hub, "workspace:w1", "board:b2")
	p.Start()

	require.NoError(t, p.EmitDatabaseChange(Change{
		Table:     channel.TableCards,
		Kind:      KindUpdate,
		New:       Record{"id": "k9", "column_id": "c9"},
		Aggregate: &channel.Aggregate{BoardID: "b2"},
	}))
	drain(t, p)

	assert.Equal(t, 0, r.count("column"), "explicit aggregates skip the foreign key walk")
	assert.Equal(t, 1, r.count("board"))
	assert.Len(t, queued(t, conns["workspace:w1"]), 1)
	assert.Len(t, queued(t, conns["board:b2"]), 1)
}

func TestEmitCustomEvent(t *testing.T) {
	hub, p := newTestPublisher(t, newFakeResolver(), Config{})
	conns := subscribed(t, hub, "board:b1", "workspace:w1")
	p.Start()

	require.NoError(t, p.EmitCustomEvent("board:b1", "cursor_moved", map[string]any{"x": 10}))
	assert.ErrorIs(t, p.EmitCustomEvent("system", "hello", nil), channel.ErrInvalidChannel)
	assert.ErrorIs(t, p.EmitCustomEvent("lobby", "hello", nil), channel.ErrInvalidChannel)
	assert.ErrorIs(t, p.EmitDatabaseChange(Change{Table: channel.TableCards, Kind: KindCustom}), ErrInvalidEvent)
	drain(t, p)

	msgs := queued(t, conns["board:b1"])
	require.Len(t, msgs, 1)
	assert.Equal(t, KindCustom, msgs[0].Event)
	assert.Equal(t, "cursor_moved", msgs[0].ControlType())
	assert.EqualValues(t, 10, msgs[0].Payload["x"])
	assert.Empty(t, queued(t, conns["workspace:w1"]), "custom events go to exactly one channel")
}

func TestEmitRejectsInvalidChanges(t *testing.T) {
	_, p := newTestPublisher(t, newFakeResolver(), Config{})
	defer drain(t, p)

	for _, c := range []Change{
		{Table: channel.TableCards, Kind: KindInsert, New: Record{"id": "k1"}},
		{Table: channel.TableCards, Kind: KindDelete},
		{Table: "comments", Kind: KindInsert, New: Record{"id": "x"}},
		{Table: channel.TableBoards, Kind: "UPSERT", New: Record{"id": "b1"}},
	} {
		assert.ErrorIs(t, p.EmitDatabaseChange(c), ErrInvalidEvent, "%+v", c)
	}
}

func TestEmitQueueFull(t *testing.T) {
	_, p := newTestPublisher(t, newFakeResolver(), Config{QueueSize: 1})
	change := Change{Table: channel.TableWorkspaces, Kind: KindUpdate, New: Record{"id": "w1", "name": "Acme"}}

	require.NoError(t, p.EmitDatabaseChange(change))
	assert.ErrorIs(t, p.EmitDatabaseChange(change), ErrQueueFull)
	drain(t, p)
}

func TestEmitAfterClose(t *testing.T) {
	_, p := newTestPublisher(t, newFakeResolver(), Config{})
	p.Start()
	drain(t, p)

	err := p.EmitDatabaseChange(Change{Table: channel.TableWorkspaces, Kind: KindUpdate, New: Record{"id": "w1"}})
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.ErrorIs(t, p.EmitCustomEvent("board:b1", "x", nil), ErrPublisherClosed)
	drain(t, p)
}
