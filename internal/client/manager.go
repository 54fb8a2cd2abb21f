// Package client owns the single realtime connection of a process and
// multiplexes channel subscriptions from independent consumers over it.
//
// UI code talks to the Registry only. Initialize runs once after sign-in
// (and again whenever the credential is refreshed); Disconnect runs on
// sign-out. Neither belongs in component mount or unmount paths.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/realtime"
)

var (
	ErrNotConnected = errors.New("realtime client: not connected")
	ErrNotRunning   = errors.New("realtime client: not initialized")
	ErrRejected     = errors.New("realtime client: credential rejected")
	ErrRunning      = errors.New("realtime client: already initialized")
)

// Config controls the connection lifecycle.
type Config struct {
	URL            string // ws(s)://host/realtime/v1/websocket
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OfflineAfter   int // consecutive failures before StateOffline
	PingInterval   time.Duration
	HandshakeWait  time.Duration // limit for dial plus the connected ack
	WriteWait      time.Duration
	Clock          clock.Clock
	Dialer         *websocket.Dialer
}

// DefaultConfig returns the lifecycle defaults without a URL.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		OfflineAfter:   5,
		PingInterval:   25 * time.Second,
		HandshakeWait:  10 * time.Second,
		WriteWait:      10 * time.Second,
		Clock:          clock.New(),
		Dialer:         websocket.DefaultDialer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = d.OfflineAfter
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.HandshakeWait <= 0 {
		c.HandshakeWait = d.HandshakeWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Dialer == nil {
		c.Dialer = d.Dialer
	}
	return c
}

// Manager owns the connection and its reconnect loop.
type Manager struct {
	registry *Registry

	mu        sync.Mutex
	cfg       Config
	token     string
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	conn      *websocket.Conn
	connID    string // last server connection id, presented as ?resume=
	state     State
	changed   chan struct{} // closed and replaced on every state change
	lastErr   error
	listeners []func(State)

	writeMu sync.Mutex
}

var (
	sharedOnce sync.Once
	shared     *Manager
)

// Shared returns the process-wide Manager.
func Shared() *Manager {
	sharedOnce.Do(func() {
		shared = NewManager(DefaultConfig())
	})
	return shared
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		changed: make(chan struct{}),
	}
	m.registry = newRegistry(m)
	return m
}

// Registry returns the subscription registry bound to this connection.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Configure replaces the configuration. It fails once Initialize has run.
func (m *Manager) Configure(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunning
	}
	m.cfg = cfg.withDefaults()
	return nil
}

// Initialize starts the connection loop with credential. When the loop is
// already running it only swaps the credential: a live socket receives an
// access_token frame and keeps its subscriptions.
func (m *Manager) Initialize(ctx context.Context, credential string) error {
	if credential == "" {
		return errors.New("realtime client: credential is required")
	}

	m.mu.Lock()
	if m.running {
		m.token = credential
		connected := m.conn != nil
		m.mu.Unlock()
		if connected {
			return m.send(realtime.ControlMessage{Type: realtime.TypeAccessToken, Token: credential})
		}
		return nil
	}
	if m.cfg.URL == "" {
		m.mu.Unlock()
		return errors.New("realtime client: no URL configured")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.token = credential
	m.running = true
	m.lastErr = nil
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.setState(StateConnecting)
	go m.run(loopCtx, done)
	return nil
}

// Disconnect closes the socket, stops reconnecting and clears every
// subscription. It must not be called from a handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	conn, done := m.conn, m.done
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		deadline := time.Now().Add(m.cfg.WriteWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sign out"), deadline)
		m.writeMu.Unlock()
		conn.Close()
	}
	<-done

	m.registry.reset()
	m.mu.Lock()
	m.connID = ""
	m.mu.Unlock()
	m.setState(StateDisconnected)
	log.Info("realtime client: disconnected")
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the server-assigned id of the current or last
// connection.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// LastError returns why the loop stopped on its own, if it did.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange registers fn for every state transition. fn runs on the
// goroutine that changed the state and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// WaitConnected blocks until the connection is up, the loop stops or ctx
// ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, running, lastErr := m.state, m.changed, m.running, m.lastErr
		m.mu.Unlock()

		if state == StateConnected {
			return nil
		}
		if !running {
			if lastErr != nil {
				return lastErr
			}
			return ErrNotRunning
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	listeners := append([]func(State)(nil), m.listeners...)
	m.mu.Unlock()

	log.Debug("realtime client: state changed", "state", s.String())
	for _, fn := range listeners {
		fn(s)
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	failures := 0

	for {
		conn, hello, err := m.dial(ctx)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				conn.Close()
			}
			return
		case errors.Is(err, ErrRejected):
			log.Warn("realtime client: credential rejected, giving up", "error", err.Error())
			m.stopWith(err)
			return
		case err != nil:
			failures++
			log.Debug("realtime client: connect failed", "attempt", failures, "error", err.Error())
		default:
			failures = 0
			b.Reset()
			m.serve(ctx, conn, hello)
			if ctx.Err() != nil {
				return
			}
		}

		if failures >= m.cfg.OfflineAfter {
			m.setState(StateOffline)
		} else {
			m.setState(StateReconnecting)
		}

		timer := m.cfg.Clock.Timer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stopWith ends the loop from inside after a terminal failure.
func (m *Manager) stopWith(err error) {
	m.mu.Lock()
	m.running = false
	m.lastErr = err
	m.cancel()
	m.mu.Unlock()
	m.registry.disconnected()
	m.setState(StateDisconnected)
}

type hello struct {
	connectionID string
	restored     []string
}

// dial opens the socket and waits for the connected ack.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, *hello, error) {
	m.mu.Lock()
	cfg, token, resume := m.cfg, m.token, m.connID
	m.mu.Unlock()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	if resume != "" {
		q.Set("resume", resume)
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeWait)
	defer cancel()
	conn, _, err := cfg.Dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}

	conn.SetReadDeadline(time.Now().Add(cfg.HandshakeWait))
	// Disconnect must not wait out the handshake deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	_, data, err := conn.ReadMessage()
	if !stop() {
		return nil, nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
			return nil, nil, fmt.Errorf("%w: %s", ErrRejected, ce.Text)
		}
		return nil, nil, err
	}
	msg, err := realtime.DecodeMessage(data)
	if err != nil || !msg.IsControl() || msg.ControlType() != realtime.AckConnected {
		conn.Close()
		return nil, nil, fmt.Errorf("expected connected ack, got %s", string(data))
	}
	conn.SetReadDeadline(time.Time{})

	h := &hello{connectionID: msg.String("connection_id")}
	if list, ok := msg.Payload["restored"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				h.restored = append(h.restored, s)
			}
		}
	}
	return conn, h, nil
}

// serve runs the read loop of one connection and returns when it drops.
// Dispatch happens on this goroutine, in arrival order.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, h *hello) {
	m.mu.Lock()
	m.conn = conn
	m.connID = h.connectionID
	m.mu.Unlock()

	log.Info("realtime client: connected", "connection_id", h.connectionID, "restored", len(h.restored))
	m.setState(StateConnected)
	m.registry.connected(h.restored)

	stopPing := make(chan struct{})
	go m.pinger(stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("realtime client: connection lost", "error", err.Error())
			}
			break
		}
		msg, err := realtime.DecodeMessage(data)
		if err != nil {
			log.Debug("realtime client: ignoring malformed frame", "error", err.Error())
			continue
		}
		m.registry.dispatch(msg)
	}

	close(stopPing)
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	conn.Close()
	m.registry.disconnected()
	if ctx.Err() == nil {
		m.setState(StateDisconnected)
	}
}

func (m *Manager) pinger(stop chan struct{}) {
	ticker := m.cfg.Clock.Ticker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.send(realtime.ControlMessage{Type: realtime.TypePing}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// send writes one control frame on the live socket.
func (m *Manager) send(msg realtime.ControlMessage) error {
	m.mu.Lock()
	conn, wait := m.conn, m.cfg.WriteWait
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime client: write failed: %w", err)
	}
	return nil
}
