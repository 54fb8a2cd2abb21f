package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/markb/boardsync/internal/access"
	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/log"
)

// Authenticator verifies bearer credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// session is what a closed connection leaves behind for resumption.
type session struct {
	userID   string
	channels []string
}

// Hub owns every live connection and the channel index. It is constructed
// at server start and torn down with Shutdown.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn            // connID -> Conn
	channels    map[string]map[string]*Conn // channel -> connID -> Conn
	closing     bool

	auth     Authenticator
	access   access.Checker
	cfg      Config
	metrics  *Metrics
	sessions *expirable.LRU[string, session]

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	started       atomic.Bool
	stop          chan struct{}
	stopOnce      sync.Once
	heartbeatDone chan struct{}
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	Resumable      int            `json:"resumable_sessions"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
}

// NewHub creates a Hub. Call Start to run the heartbeat.
func NewHub(cfg Config, authn Authenticator, checker access.Checker, metrics *Metrics) *Hub {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connections:   make(map[string]*Conn),
		channels:      make(map[string]map[string]*Conn),
		auth:          authn,
		access:        checker,
		cfg:           cfg,
		metrics:       metrics,
		sessions:      expirable.NewLRU[string, session](cfg.ResumeCapacity, nil, cfg.ResumeWindow),
		ctx:           ctx,
		cancel:        cancel,
		stop:          make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
}

// Stats returns current realtime statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		Resumable:      h.sessions.Len(),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}
	for name, subs := range h.channels {
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{Channel: name, Subscribers: len(subs)})
	}
	slices.SortFunc(stats.ChannelDetails, func(a, b ChannelStats) int {
		if a.Channel < b.Channel {
			return -1
		}
		if a.Channel > b.Channel {
			return 1
		}
		return 0
	})
	return stats
}

// Conn returns a live connection by id.
func (h *Hub) Conn(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.connections[id]
	return c, ok
}

func (h *Hub) canView(ctx context.Context, userID string, scope channel.Scope) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AccessTimeout)
	defer cancel()
	return h.access.CanView(ctx, userID, scope)
}

// register adds c to the hub together with its restored channels. Once
// the hub is shutting down new connections are refused.
func (h *Hub) register(c *Conn, restored []string) bool {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return false
	}
	h.connections[c.id] = c
	c.mu.Lock()
	for _, name := range restored {
		c.channels[name] = struct{}{}
		h.indexLocked(name, c)
	}
	c.mu.Unlock()
	h.mu.Unlock()

	h.metrics.Connections.Add(c.ctx, 1)
	return true
}

// unregisterConn removes a connection from the hub and all channels and
// keeps its channel set for resumption.
func (h *Hub) unregisterConn(c *Conn) {
	h.mu.Lock()
	if _, ok := h.connections[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.id)

	c.mu.Lock()
	held := make([]string, 0, len(c.channels))
	for name := range c.channels {
		held = append(held, name)
		h.unindexLocked(name, c.id)
	}
	clear(c.channels)
	c.mu.Unlock()
	closing := h.closing
	h.mu.Unlock()

	h.metrics.Connections.Add(context.Background(), -1)
	if len(held) > 0 && !closing {
		slices.Sort(held)
		h.sessions.Add(c.id, session{userID: c.userID, channels: held})
	}
	log.Debug("realtime: connection closed", "conn_id", c.id, "user_id", c.userID, "channels", len(held))
}

func (h *Hub) subscribe(c *Conn, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c.id]; !ok {
		return
	}
	c.mu.Lock()
	c.channels[name] = struct{}{}
	c.mu.Unlock()
	h.indexLocked(name, c)
}

// unsubscribe drops name from c. It reports whether c held it.
func (h *Hub) unsubscribe(c *Conn, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	_, held := c.channels[name]
	delete(c.channels, name)
	c.mu.Unlock()
	if held {
		h.unindexLocked(name, c.id)
	}
	return held
}

func (h *Hub) indexLocked(name string, c *Conn) {
	subs, ok := h.channels[name]
	if !ok {
		subs = make(map[string]*Conn)
		h.channels[name] = subs
	}
	subs[c.id] = c
}

func (h *Hub) unindexLocked(name, connID string) {
	subs, ok := h.channels[name]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.channels, name)
	}
}

// subscribers returns a snapshot of the connections holding name.
func (h *Hub) subscribers(name string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.channels[name]
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		out = append(out, c)
	}
	return out
}

// restore hands back the channel set of a recently closed connection of
// the same user, keeping only channels the user may still view.
func (h *Hub) restore(ctx context.Context, userID, resumeID string) []string {
	restored := []string{}
	if resumeID == "" {
		return restored
	}
	s, ok := h.sessions.Peek(resumeID)
	if !ok || s.userID != userID {
		log.Debug("realtime: nothing to resume", "resume", resumeID, "user_id", userID)
		return restored
	}
	h.sessions.Remove(resumeID)

	for _, name := range s.channels {
		ch, err := channel.Parse(name)
		if err != nil {
			continue
		}
		ok, err := h.canView(ctx, userID, ch.Scope())
		if err != nil {
			log.Warn("realtime: access check failed on resume", "user_id", userID, "channel", name, "error", err.Error())
			continue
		}
		if ok {
			restored = append(restored, name)
		}
	}
	return restored
}

// serve starts the connection's pumps.
func (h *Hub) serve(c *Conn) {
	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		c.WritePump()
	}()
	go func() {
		defer h.pumps.Done()
		c.ReadPump()
	}()
}

// Start runs the heartbeat sweep on its own goroutine.
func (h *Hub) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go h.heartbeat()
}

func (h *Hub) heartbeat() {
	defer close(h.heartbeatDone)
	ticker := h.cfg.Clock.Ticker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stop:
			return
		}
	}
}

// sweep closes every connection that did not answer the previous ping,
// evicts expired credentials and pings the rest.
func (h *Hub) sweep() {
	now := h.cfg.Clock.Now()
	for _, c := range h.snapshot() {
		if !c.alive.Swap(false) {
			log.Info("realtime: closing unresponsive connection", "conn_id", c.id, "user_id", c.userID, "last_pong", c.LastPong())
			h.metrics.withReason(h.ctx, h.metrics.Evicted, reasonHeartbeat)
			c.Close()
			continue
		}
		if id := c.identity.Load(); id != nil && id.Expired(now) {
			log.Info("realtime: closing connection with expired token", "conn_id", c.id, "user_id", c.userID)
			h.metrics.withReason(h.ctx, h.metrics.Evicted, reasonExpired)
			c.closeWith(websocket.ClosePolicyViolation, reasonExpired)
			continue
		}
		c.requestPing()
	}
}

// Shutdown stops the heartbeat, closes every connection with 1001 and
// waits for their pumps to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	if h.started.Load() {
		select {
		case <-h.heartbeatDone:
		case <-ctx.Done():
			return fmt.Errorf("realtime: heartbeat did not stop: %w", ctx.Err())
		}
	}

	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	conns := h.snapshot()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("realtime: hub stopped", "closed", len(conns))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("realtime: connections did not drain: %w", ctx.Err())
	}
}
