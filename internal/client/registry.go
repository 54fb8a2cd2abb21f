package client

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/realtime"
)

// HandlerID identifies one consumer's handler set on one channel.
type HandlerID string

// Handlers is one consumer's callbacks for a channel. Nil callbacks are
// skipped. Table, when set, filters data events to that table. Handlers run
// synchronously on the connection's read goroutine and must not block.
type Handlers struct {
	Table    string
	OnInsert func(ev *realtime.Event)
	OnUpdate func(ev *realtime.Event)
	OnDelete func(ev *realtime.Event)
	OnCustom func(eventType string, payload map[string]any)
}

// ChannelState tracks whether the server has confirmed a subscription.
type ChannelState int

const (
	// ChannelPending is provisional: not yet sent, or sent and unacknowledged.
	ChannelPending ChannelState = iota
	ChannelConfirmed
	// ChannelRejected means the server refused the subscription. Handlers
	// stay attached; the next connection retries.
	ChannelRejected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelPending:
		return "pending"
	case ChannelConfirmed:
		return "confirmed"
	case ChannelRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type subscription struct {
	handlers map[HandlerID]Handlers
	order    []HandlerID
	state    ChannelState
	sent     bool // subscribe sent on the current connection
}

// sender is the part of the Manager the Registry writes through.
type sender interface {
	send(msg realtime.ControlMessage) error
}

// Registry reference-counts consumers per channel over the shared
// connection. It is the only writer of subscribe and unsubscribe frames.
type Registry struct {
	conn sender

	mu   sync.Mutex
	subs map[string]*subscription
	live bool
}

func newRegistry(conn sender) *Registry {
	return &Registry{conn: conn, subs: make(map[string]*subscription)}
}

// AddHandler attaches h to channelName. The first handler on a channel
// subscribes; later ones only join the handler set.
func (r *Registry) AddHandler(channelName string, h Handlers) (HandlerID, error) {
	ch, err := channel.Parse(channelName)
	if err != nil {
		return "", err
	}
	if !ch.Subscribable() {
		return "", fmt.Errorf("%w: %q is reserved", channel.ErrInvalidChannel, channelName)
	}

	id := HandlerID(uuid.NewString())

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[channelName]
	if !ok {
		sub = &subscription{handlers: make(map[HandlerID]Handlers)}
		r.subs[channelName] = sub
	}
	sub.handlers[id] = h
	sub.order = append(sub.order, id)

	if !ok && r.live {
		r.subscribeLocked(channelName, sub)
	}
	return id, nil
}

// RemoveHandler detaches one handler. Removing the last handler of a channel
// unsubscribes it. Unknown ids are ignored.
func (r *Registry) RemoveHandler(channelName string, id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[channelName]
	if !ok {
		return
	}
	if _, ok := sub.handlers[id]; !ok {
		return
	}
	delete(sub.handlers, id)
	sub.order = slices.DeleteFunc(sub.order, func(h HandlerID) bool { return h == id })
	if len(sub.handlers) > 0 {
		return
	}

	delete(r.subs, channelName)
	if r.live && sub.sent {
		if err := r.conn.send(realtime.ControlMessage{Type: realtime.TypeUnsubscribe, Channel: channelName}); err != nil {
			log.Debug("realtime client: unsubscribe not sent", "channel", channelName, "error", err.Error())
		}
	}
}

// Channels returns every held channel, sorted.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for name := range r.subs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Status reports the state of channelName and whether it is held.
func (r *Registry) Status(channelName string) (ChannelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[channelName]
	if !ok {
		return ChannelPending, false
	}
	return sub.state, true
}

// HandlerCount returns how many handlers are attached to channelName.
func (r *Registry) HandlerCount(channelName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[channelName]; ok {
		return len(sub.handlers)
	}
	return 0
}

func (r *Registry) subscribeLocked(name string, sub *subscription) {
	sub.state = ChannelPending
	if err := r.conn.send(realtime.ControlMessage{Type: realtime.TypeSubscribe, Channel: name}); err != nil {
		log.Debug("realtime client: subscribe deferred", "channel", name, "error", err.Error())
		return
	}
	sub.sent = true
}

// connected restores the held channel set on a new connection. Channels the
// server already restored are confirmed without a subscribe; restored
// channels nobody holds any more are unsubscribed.
func (r *Registry) connected(restored []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = true

	for _, name := range restored {
		sub, ok := r.subs[name]
		if !ok {
			if err := r.conn.send(realtime.ControlMessage{Type: realtime.TypeUnsubscribe, Channel: name}); err != nil {
				log.Debug("realtime client: unsubscribe not sent", "channel", name, "error", err.Error())
			}
			continue
		}
		sub.state = ChannelConfirmed
		sub.sent = true
	}

	names := make([]string, 0, len(r.subs))
	for name, sub := range r.subs {
		if !sub.sent {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		r.subscribeLocked(name, r.subs[name])
	}
}

// disconnected makes every subscription provisional again.
func (r *Registry) disconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = false
	for _, sub := range r.subs {
		sub.state = ChannelPending
		sub.sent = false
	}
}

// reset drops every subscription and handler.
func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = false
	clear(r.subs)
}

// dispatch routes one server frame. Handlers are invoked outside the lock
// so they may add or remove handlers themselves.
func (r *Registry) dispatch(msg *realtime.Message) {
	if msg.IsControl() {
		r.handleAck(msg)
		return
	}

	ev, err := msg.ToEvent()
	if err != nil {
		log.Warn("realtime client: dropping invalid event", "channel", msg.Channel, "error", err.Error())
		return
	}

	r.mu.Lock()
	sub, ok := r.subs[msg.Channel]
	var handlers []Handlers
	if ok {
		handlers = make([]Handlers, 0, len(sub.order))
		for _, id := range sub.order {
			handlers = append(handlers, sub.handlers[id])
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.deliver(ev)
	}
}

func (h Handlers) deliver(ev *realtime.Event) {
	if ev.Kind == realtime.KindCustom {
		if h.OnCustom != nil {
			h.OnCustom(ev.Type, ev.Payload)
		}
		return
	}
	if h.Table != "" && h.Table != ev.Table {
		return
	}
	var fn func(*realtime.Event)
	switch ev.Kind {
	case realtime.KindInsert:
		fn = h.OnInsert
	case realtime.KindUpdate:
		fn = h.OnUpdate
	case realtime.KindDelete:
		fn = h.OnDelete
	}
	if fn != nil {
		fn(ev)
	}
}

func (r *Registry) handleAck(msg *realtime.Message) {
	name := msg.String("channel")
	switch msg.ControlType() {
	case realtime.AckSubscribed:
		r.mu.Lock()
		if sub, ok := r.subs[name]; ok {
			sub.state = ChannelConfirmed
		}
		r.mu.Unlock()

	case realtime.AckError:
		code := msg.String("code")
		log.Warn("realtime client: server error", "channel", name, "code", code, "message", msg.String("message"))
		if name == "" {
			return
		}
		switch code {
		case realtime.CodeForbidden, realtime.CodeInvalidChannel:
			r.mu.Lock()
			if sub, ok := r.subs[name]; ok {
				sub.state = ChannelRejected
			}
			r.mu.Unlock()
		}
	}
}
