package realtime

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/markb/boardsync/internal/access"
	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/observability"
)

// Broadcaster delivers one event on one channel to every subscriber that
// passes the access check at delivery time.
type Broadcaster struct {
	hub     *Hub
	access  access.Checker
	finder  access.Finder // nil when the checker cannot tell deleted from denied
	cfg     Config
	metrics *Metrics
}

func NewBroadcaster(hub *Hub, checker access.Checker, metrics *Metrics) *Broadcaster {
	finder, _ := checker.(access.Finder)
	return &Broadcaster{hub: hub, access: checker, finder: finder, cfg: hub.cfg, metrics: metrics}
}

// tombstone describes which aggregates of a DELETE event no longer exist.
// Access to a deleted aggregate cannot be checked live, so it falls back
// to what the recipient held before the delete:
//   - its subscription to the channel, which passed the check at subscribe
//     time and on every event since;
//   - for a deleted board, membership of the workspace when that remains;
//   - for a deleted board seen from the workspace channel, the old row's
//     visibility or a subscription to the board channel.
type tombstone struct {
	scopeGone bool
	parent    *channel.Scope
	boardGone bool
	boardOpen bool
}

// Broadcast sends ev on name and returns the number of recipients it was
// queued for. Recipients are checked concurrently; each check has its own
// timeout so one slow lookup cannot hold back the others. Broadcast
// returns once every recipient has been handled.
//
// A denied recipient loses the channel silently. A failed check withholds
// this event only.
func (b *Broadcaster) Broadcast(ctx context.Context, name string, ev *Event) int {
	ch, err := channel.Parse(name)
	if err != nil || !ch.Subscribable() {
		log.Warn("realtime: refusing to broadcast on invalid channel", "channel", name)
		return 0
	}

	recipients := b.hub.subscribers(name)
	if len(recipients) == 0 {
		return 0
	}

	data, err := ev.Message(name).Encode()
	if err != nil {
		log.Error("realtime: failed to encode event", "channel", name, "error", err.Error())
		return 0
	}

	scope := ch.Scope()
	// Workspace channels also carry events of boards a member may not see,
	// so those need the board check on top of the channel check.
	var boardScope *channel.Scope
	if scope.Kind == channel.ScopeWorkspace && ev.Aggregate.BoardID != "" {
		boardScope = &channel.Scope{Kind: channel.ScopeBoard, ID: ev.Aggregate.BoardID}
	}

	ts := b.tombstoneFor(ctx, ev, scope, boardScope)

	delivered := make([]bool, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.FanoutLimit)
	for i, c := range recipients {
		g.Go(func() error {
			delivered[i] = b.deliver(gctx, c, name, scope, boardScope, ts, data)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range delivered {
		if ok {
			n++
		}
	}
	if n > 0 {
		b.metrics.Deliveries.Add(ctx, int64(n), metric.WithAttributes(
			observability.AttrTable.String(ev.Table),
			observability.AttrEventKind.String(string(ev.Kind)),
		))
	}
	return n
}

func (b *Broadcaster) deliver(ctx context.Context, c *Conn, name string, scope channel.Scope, boardScope *channel.Scope, ts tombstone, data []byte) bool {
	ok, err := b.check(ctx, c.userID, scope)
	if err == nil && !ok && ts.scopeGone {
		ok, err = b.heldBefore(ctx, c.userID, ts)
	}
	if err != nil {
		log.Warn("realtime: access check failed, withholding event",
			"conn_id", c.id, "user_id", c.userID, "channel", name, "error", err.Error())
		b.metrics.withReason(ctx, b.metrics.Withheld, reasonCheckFailed)
		return false
	}
	if !ok {
		if b.hub.unsubscribe(c, name) {
			log.Info("realtime: access revoked, dropping subscription",
				"conn_id", c.id, "user_id", c.userID, "channel", name)
		}
		b.metrics.withReason(ctx, b.metrics.Withheld, reasonRevoked)
		return false
	}

	if boardScope != nil {
		ok, err := b.check(ctx, c.userID, *boardScope)
		if err == nil && !ok && ts.boardGone {
			ok = ts.boardOpen || c.Subscribed(channel.Board(boardScope.ID))
		}
		if err != nil {
			log.Warn("realtime: board access check failed, withholding event",
				"conn_id", c.id, "user_id", c.userID, "channel", name, "error", err.Error())
			b.metrics.withReason(ctx, b.metrics.Withheld, reasonCheckFailed)
			return false
		}
		if !ok {
			b.metrics.withReason(ctx, b.metrics.Withheld, reasonBoardHidden)
			return false
		}
	}

	// The subscription may have been dropped while the check ran.
	if !c.Subscribed(name) {
		return false
	}
	return c.sendRaw(data)
}

// heldBefore decides access to a channel whose aggregate was deleted.
func (b *Broadcaster) heldBefore(ctx context.Context, userID string, ts tombstone) (bool, error) {
	if ts.parent != nil {
		return b.check(ctx, userID, *ts.parent)
	}
	return true, nil
}

// tombstoneFor looks up, once per broadcast, which of the event's
// aggregates are gone. Only DELETE events qualify; a lookup failure keeps
// the live check authoritative.
func (b *Broadcaster) tombstoneFor(ctx context.Context, ev *Event, scope channel.Scope, boardScope *channel.Scope) tombstone {
	var ts tombstone
	if ev.Kind != KindDelete || b.finder == nil {
		return ts
	}
	if scope.Kind == channel.ScopeWorkspace || scope.Kind == channel.ScopeBoard {
		ts.scopeGone = b.gone(ctx, scope)
	}
	if ts.scopeGone && scope.Kind == channel.ScopeBoard && ev.Aggregate.WorkspaceID != "" {
		ws := channel.Scope{Kind: channel.ScopeWorkspace, ID: ev.Aggregate.WorkspaceID}
		if !b.gone(ctx, ws) {
			ts.parent = &ws
		}
	}
	if boardScope != nil {
		ts.boardGone = b.gone(ctx, *boardScope)
		ts.boardOpen = ev.Table == channel.TableBoards && ev.Old.ID() == boardScope.ID &&
			ev.Old.String("visibility") == "workspace"
	}
	return ts
}

func (b *Broadcaster) gone(ctx context.Context, scope channel.Scope) bool {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.AccessTimeout)
	defer cancel()
	ok, err := b.finder.Exists(ctx, scope)
	if err != nil {
		log.Warn("realtime: existence check failed", "scope", scope.String(), "error", err.Error())
		return false
	}
	return !ok
}

func (b *Broadcaster) check(ctx context.Context, userID string, scope channel.Scope) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.AccessTimeout)
	defer cancel()
	return b.access.CanView(ctx, userID, scope)
}
