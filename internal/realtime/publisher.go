package realtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/observability"
)

var (
	ErrQueueFull       = errors.New("realtime: publish queue full")
	ErrPublisherClosed = errors.New("realtime: publisher closed")
)

// Resolver follows foreign keys up to the owning board and workspace.
type Resolver interface {
	BoardWorkspace(ctx context.Context, boardID string) (string, error)
	ColumnBoard(ctx context.Context, columnID string) (string, error)
	CardColumn(ctx context.Context, cardID string) (string, error)
}

// Change is one committed mutation as reported by a collaborator.
// Aggregate is optional; when absent it is derived from the records.
type Change struct {
	Table     string             `json:"table"`
	Kind      EventKind          `json:"kind"`
	New       Record             `json:"new,omitempty"`
	Old       Record             `json:"old,omitempty"`
	Aggregate *channel.Aggregate `json:"aggregate,omitempty"`
}

type job struct {
	ev       *Event
	explicit *channel.Aggregate
	target   string // custom events only
}

// Publisher turns committed changes into events and dispatches them, in
// publish order, from a single worker.
type Publisher struct {
	resolver    Resolver
	broadcaster *Broadcaster
	metrics     *Metrics
	cfg         Config
	tracer      trace.Tracer

	boards  *expirable.LRU[string, string] // board id -> workspace id
	columns *expirable.LRU[string, string] // column id -> last board seen, for deletes only

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
	start  sync.Once
}

func NewPublisher(cfg Config, resolver Resolver, broadcaster *Broadcaster, metrics *Metrics) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		resolver:    resolver,
		broadcaster: broadcaster,
		metrics:     metrics,
		cfg:         cfg,
		tracer:      otel.Tracer("boardsync/realtime"),
		boards:      expirable.NewLRU[string, string](cfg.BoardCacheSize, nil, cfg.BoardCacheTTL),
		columns:     expirable.NewLRU[string, string](cfg.BoardCacheSize, nil, cfg.BoardCacheTTL),
		queue:       make(chan job, cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// Start runs the dispatch worker.
func (p *Publisher) Start() {
	p.start.Do(func() { go p.run() })
}

// EmitDatabaseChange queues a committed change. It never waits for
// delivery; it fails only for malformed input, a full queue or a closed
// publisher.
func (p *Publisher) EmitDatabaseChange(c Change) error {
	if c.Kind == KindCustom {
		return fmt.Errorf("%w: use EmitCustomEvent for custom events", ErrInvalidEvent)
	}
	ev := &Event{Kind: c.Kind, Table: c.Table, New: c.New, Old: c.Old}
	if err := ev.Validate(); err != nil {
		return err
	}
	var explicit *channel.Aggregate
	if c.Aggregate != nil {
		agg := *c.Aggregate
		explicit = &agg
	}
	return p.enqueue(job{ev: ev, explicit: explicit})
}

// EmitCustomEvent queues a CUSTOM event for exactly one channel.
func (p *Publisher) EmitCustomEvent(channelName, eventType string, payload map[string]any) error {
	ch, err := channel.Parse(channelName)
	if err != nil {
		return err
	}
	if !ch.Subscribable() {
		return fmt.Errorf("%w: %q is reserved", channel.ErrInvalidChannel, channelName)
	}
	ev := &Event{Kind: KindCustom, Type: eventType, Payload: payload}
	if err := ev.Validate(); err != nil {
		return err
	}
	if ch.Kind == channel.KindBoard || ch.Kind == channel.KindLegacy {
		ev.Aggregate.BoardID = ch.ID
	}
	return p.enqueue(job{ev: ev, target: channelName})
}

func (p *Publisher) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- j:
		p.metrics.Published.Add(context.Background(), 1, metric.WithAttributes(
			observability.AttrTable.String(j.ev.Table),
			observability.AttrEventKind.String(string(j.ev.Kind)),
		))
		return nil
	default:
		log.Warn("realtime: publish queue full, dropping event", "table", j.ev.Table, "kind", j.ev.Kind)
		p.metrics.withReason(context.Background(), p.metrics.Dropped, reasonQueueFull)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.Start() // drain even if the worker never ran
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("realtime: publish queue did not drain: %w", ctx.Err())
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for j := range p.queue {
		p.dispatch(j)
	}
}

func (p *Publisher) dispatch(j job) {
	ctx, span := p.tracer.Start(context.Background(), "realtime.publish", trace.WithAttributes(
		observability.AttrTable.String(j.ev.Table),
		observability.AttrEventKind.String(string(j.ev.Kind)),
	))
	defer span.End()

	targets := []string{j.target}
	if j.target == "" {
		var err error
		targets, err = p.targets(ctx, j)
		if err != nil {
			log.Warn("realtime: dropping event, aggregate unresolved",
				"table", j.ev.Table, "kind", j.ev.Kind, "key", Key(j.ev.Table, p.primary(j.ev)), "error", err.Error())
			p.metrics.withReason(ctx, p.metrics.Dropped, reasonUnresolved)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		if len(targets) == 0 {
			p.metrics.withReason(ctx, p.metrics.Dropped, reasonNoChannels)
			return
		}
	}

	delivered := 0
	for _, name := range targets {
		delivered += p.broadcaster.Broadcast(ctx, name, j.ev)
	}
	span.SetAttributes(attribute.Int("realtime.channels", len(targets)), attribute.Int("realtime.delivered", delivered))
}

// primary is the record that identifies the row: new, or old for deletes.
func (p *Publisher) primary(ev *Event) Record {
	if ev.New != nil {
		return ev.New
	}
	return ev.Old
}

// targets resolves the event's aggregate and derives its channels. An
// UPDATE that moves a row to another parent also reaches the channels of
// the previous aggregate so their subscribers see the row leave.
func (p *Publisher) targets(ctx context.Context, j job) ([]string, error) {
	ev := j.ev
	rec := merged(ev.Old, ev.New)

	agg, err := p.resolve(ctx, ev.Table, ev.Kind, rec, j.explicit)
	if err != nil {
		return nil, err
	}
	ev.Aggregate = agg
	if ev.Table == channel.TableColumns && agg.BoardID != "" {
		p.columns.Add(rec.ID(), agg.BoardID)
	}
	names := channel.Derive(ev.Table, agg)

	if ev.Kind == KindUpdate && ev.Old != nil && j.explicit == nil && movedParent(ev.Table, ev.Old, ev.New) {
		prev, err := p.resolve(ctx, ev.Table, ev.Kind, merged(ev.New, ev.Old), nil)
		if err != nil {
			log.Debug("realtime: previous aggregate unresolved", "table", ev.Table, "error", err.Error())
		} else if prev != agg {
			for _, name := range channel.Derive(ev.Table, prev) {
				if !slices.Contains(names, name) {
					names = append(names, name)
				}
			}
		}
	}
	return names, nil
}

func (p *Publisher) resolve(ctx context.Context, table string, kind EventKind, rec Record, explicit *channel.Aggregate) (channel.Aggregate, error) {
	if explicit != nil && (explicit.WorkspaceID != "" || explicit.BoardID != "") {
		agg := *explicit
		if agg.WorkspaceID == "" {
			ws, err := p.boardWorkspace(ctx, agg.BoardID)
			if err != nil {
				return channel.Aggregate{}, err
			}
			agg.WorkspaceID = ws
		}
		return agg, nil
	}

	var boardID string
	switch table {
	case channel.TableWorkspaces:
		return channel.Aggregate{WorkspaceID: rec.ID()}, nil

	case channel.TableWorkspaceMembers:
		return channel.Aggregate{WorkspaceID: rec.String("workspace_id")}, nil

	case channel.TableBoards:
		boardID = rec.ID()
		if ws := rec.String("workspace_id"); ws != "" {
			p.boards.Add(boardID, ws)
			return channel.Aggregate{WorkspaceID: ws, BoardID: boardID}, nil
		}

	case channel.TableBoardMembers:
		boardID = rec.String("board_id")

	case channel.TableColumns:
		boardID = rec.String("board_id")
		if boardID == "" {
			b, err := p.columnBoard(ctx, rec.ID(), kind == KindDelete)
			if err != nil {
				return channel.Aggregate{}, err
			}
			boardID = b
		}

	case channel.TableCards:
		columnID := rec.String("column_id")
		if columnID == "" {
			c, err := p.resolver.CardColumn(ctx, rec.ID())
			if err != nil {
				return channel.Aggregate{}, err
			}
			columnID = c
		}
		b, err := p.columnBoard(ctx, columnID, kind == KindDelete)
		if err != nil {
			return channel.Aggregate{}, err
		}
		boardID = b

	default:
		return channel.Aggregate{}, fmt.Errorf("no aggregate rule for table %q", table)
	}

	ws, err := p.boardWorkspace(ctx, boardID)
	if err != nil {
		return channel.Aggregate{}, err
	}
	return channel.Aggregate{WorkspaceID: ws, BoardID: boardID}, nil
}

// columnBoard looks the column's board up live, since columns can move
// between boards. Only a delete, whose column may already be gone with
// it, falls back to the last board seen for the column.
func (p *Publisher) columnBoard(ctx context.Context, columnID string, deleted bool) (string, error) {
	b, err := p.resolver.ColumnBoard(ctx, columnID)
	if err == nil {
		p.columns.Add(columnID, b)
		return b, nil
	}
	if deleted {
		if b, ok := p.columns.Get(columnID); ok {
			return b, nil
		}
	}
	return "", err
}

// boardWorkspace is cached: a board never changes workspace. Entries
// outlive the board so the cascaded deletes of its children still resolve.
func (p *Publisher) boardWorkspace(ctx context.Context, boardID string) (string, error) {
	if boardID == "" {
		return "", errors.New("missing board id")
	}
	if ws, ok := p.boards.Get(boardID); ok {
		return ws, nil
	}
	ws, err := p.resolver.BoardWorkspace(ctx, boardID)
	if err != nil {
		return "", err
	}
	p.boards.Add(boardID, ws)
	return ws, nil
}

// merged overlays top onto base.
func merged(base, top Record) Record {
	out := make(Record, len(base)+len(top))
	maps.Copy(out, base)
	maps.Copy(out, top)
	return out
}

func movedParent(table string, before, after Record) bool {
	var fk string
	switch table {
	case channel.TableCards:
		fk = "column_id"
	case channel.TableColumns:
		fk = "board_id"
	default:
		return false
	}
	b, a := before.String(fk), after.String(fk)
	return b != "" && a != "" && b != a
}
