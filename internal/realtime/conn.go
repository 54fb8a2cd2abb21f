package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/log"
)

// socket is the part of *websocket.Conn a Conn uses.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one authenticated websocket session.
type Conn struct {
	id     string
	userID string
	ws     socket
	hub    *Hub

	ctx    context.Context
	cancel context.CancelFunc

	identity atomic.Pointer[auth.Identity]
	alive    atomic.Bool
	lastPong atomic.Int64 // unix nanos

	mu       sync.Mutex
	channels map[string]struct{}

	send      chan []byte
	ping      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (h *Hub) newConn(ws socket, id *auth.Identity) *Conn {
	ctx, cancel := context.WithCancel(h.ctx)
	c := &Conn{
		id:       uuid.New().String(),
		userID:   id.UserID(),
		ws:       ws,
		hub:      h,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]struct{}),
		send:     make(chan []byte, h.cfg.SendBufferSize),
		ping:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.identity.Store(id)
	c.markAlive()
	return c
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	return c.userID
}

// Channels returns the subscribed channel names in sorted order.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Subscribed reports whether the connection holds name.
func (c *Conn) Subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[name]
	return ok
}

// LastPong returns when the peer last proved it was alive.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

func (c *Conn) markAlive() {
	c.alive.Store(true)
	c.lastPong.Store(c.hub.cfg.Clock.Now().UnixNano())
}

// Send queues a message for the write pump.
func (c *Conn) Send(msg *Message) {
	data, err := msg.Encode()
	if err != nil {
		log.Error("realtime: failed to encode message", "conn_id", c.id, "error", err.Error())
		return
	}
	c.sendRaw(data)
}

// sendRaw queues data. A full buffer means the peer stopped reading, which
// is handled like a failed write: the connection is closed.
func (c *Conn) sendRaw(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		log.Warn("realtime: send buffer full, closing connection", "conn_id", c.id, "user_id", c.userID)
		c.hub.metrics.withReason(c.ctx, c.hub.metrics.Evicted, reasonBufferFull)
		c.Close()
		return false
	}
}

// requestPing asks the write pump to send a protocol ping.
func (c *Conn) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// Close tears the connection down and removes it from the hub. It is safe
// to call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// closeWith sends a close frame before closing.
func (c *Conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.hub.cfg.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.Close()
}

// ReadPump reads control messages until the socket fails.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("realtime: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}

		msg, err := DecodeControl(data)
		if err != nil {
			n := min(len(data), 100)
			log.Debug("realtime: invalid message", "conn_id", c.id, "error", err.Error(), "raw", string(data[:n]))
			c.Send(NewErrorAck(CodeInvalidMessage, err.Error(), ""))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump is the only goroutine that writes data frames to the socket.
func (c *Conn) WritePump() {
	defer c.Close()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("realtime: write failed", "conn_id", c.id, "error", err.Error())
				return
			}

		case <-c.ping:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleMessage(msg *ControlMessage) {
	log.Debug("realtime: handleMessage", "conn_id", c.id, "type", msg.Type, "channel", msg.Channel)

	switch msg.Type {
	case TypeSubscribe:
		c.handleSubscribe(msg.Channel)
	case TypeUnsubscribe:
		c.handleUnsubscribe(msg.Channel)
	case TypePing:
		c.markAlive()
		c.Send(NewControl(AckPong, nil))
	case TypeAccessToken:
		c.handleAccessToken(msg.Token)
	}
}

func (c *Conn) handleSubscribe(name string) {
	ch, err := channel.Parse(name)
	if err == nil && !ch.Subscribable() {
		err = fmt.Errorf("%w: %q is reserved", channel.ErrInvalidChannel, name)
	}
	if err != nil {
		c.Send(NewErrorAck(CodeInvalidChannel, err.Error(), name))
		return
	}

	if c.Subscribed(name) {
		c.Send(NewControl(AckSubscribed, map[string]any{"channel": name}))
		return
	}

	// Early check so clients get a clear answer; delivery is still gated
	// by the broadcast-time check.
	ok, err := c.hub.canView(c.ctx, c.userID, ch.Scope())
	if err != nil {
		log.Warn("realtime: access check failed on subscribe", "conn_id", c.id, "user_id", c.userID, "channel", name, "error", err.Error())
		c.Send(NewErrorAck(CodeCheckFailed, "access check failed", name))
		return
	}
	if !ok {
		c.Send(NewErrorAck(CodeForbidden, "not allowed to view "+ch.Scope().String(), name))
		return
	}

	c.hub.subscribe(c, name)
	c.Send(NewControl(AckSubscribed, map[string]any{"channel": name}))
}

func (c *Conn) handleUnsubscribe(name string) {
	c.hub.unsubscribe(c, name)
	c.Send(NewControl(AckUnsubscribed, map[string]any{"channel": name}))
}

// handleAccessToken swaps the connection's credential. The new token must
// belong to the same user; on failure the old credential stays.
func (c *Conn) handleAccessToken(token string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.AccessTimeout)
	defer cancel()

	id, err := c.hub.auth.Authenticate(ctx, token)
	if err != nil {
		log.Debug("realtime: invalid access_token refresh", "conn_id", c.id, "error", err.Error())
		c.Send(NewErrorAck(CodeInvalidToken, err.Error(), ""))
		return
	}
	if id.UserID() != c.userID {
		log.Warn("realtime: access_token for a different user", "conn_id", c.id, "user_id", c.userID, "token_user", id.UserID())
		c.Send(NewErrorAck(CodeUserMismatch, "token belongs to a different user", ""))
		return
	}
	c.identity.Store(id)
}
