package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/markb/boardsync/internal/access"
	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/boards"
	"github.com/markb/boardsync/internal/channel"
)

// fakeSocket records writes and never produces reads.
type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    int
	controls []int
	closed   bool
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) { select {} }

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
		return nil
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeSocket) SetReadLimit(int64)                {}
func (f *fakeSocket) SetPongHandler(func(string) error) {}
func (f *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// staticAuth authenticates "token-<user>" as <user>.
type staticAuth struct{}

func (staticAuth) Authenticate(_ context.Context, token string) (*auth.Identity, error) {
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	if len(token) < 7 || token[:6] != "token-" {
		return nil, auth.ErrInvalidToken
	}
	return identity(token[6:]), nil
}

func identity(userID string) *auth.Identity {
	return &auth.Identity{User: &boards.User{ID: userID}}
}

// allowAll grants every check.
var allowAll = access.CheckerFunc(func(context.Context, string, channel.Scope) (bool, error) {
	return true, nil
})

// grantTable is a mutable access table keyed by user and scope.
type grantTable struct {
	mu     sync.Mutex
	grants map[string]bool
	errs   map[string]error
	delay  map[string]time.Duration
	calls  int
}

func newGrantTable() *grantTable {
	return &grantTable{grants: map[string]bool{}, errs: map[string]error{}, delay: map[string]time.Duration{}}
}

func grantKey(userID string, scope channel.Scope) string {
	return userID + "|" + scope.String()
}

func (g *grantTable) allow(userID string, scope channel.Scope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[grantKey(userID, scope)] = true
}

func (g *grantTable) revoke(userID string, scope channel.Scope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, grantKey(userID, scope))
}

func (g *grantTable) fail(userID string, scope channel.Scope, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[grantKey(userID, scope)] = err
}

func (g *grantTable) slow(userID string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay[userID] = d
}

func (g *grantTable) CanView(ctx context.Context, userID string, scope channel.Scope) (bool, error) {
	g.mu.Lock()
	g.calls++
	k := grantKey(userID, scope)
	ok, err, d := g.grants[k], g.errs[k], g.delay[userID]
	g.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return ok, err
}

func (g *grantTable) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func wsScope(id string) channel.Scope    { return channel.Scope{Kind: channel.ScopeWorkspace, ID: id} }
func boardScope(id string) channel.Scope { return channel.Scope{Kind: channel.ScopeBoard, ID: id} }

func newTestHub(t *testing.T, checker access.Checker, cfg Config) *Hub {
	t.Helper()
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	if cfg.Clock == nil {
		cfg.Clock = clock.NewMock()
	}
	return NewHub(cfg, staticAuth{}, checker, m)
}

// attach registers a connection backed by a fake socket without running
// its pumps.
func attach(t *testing.T, h *Hub, userID string) (*Conn, *fakeSocket) {
	t.Helper()
	ws := &fakeSocket{}
	c := h.newConn(ws, identity(userID))
	require.True(t, h.register(c, nil))
	return c, ws
}

// queued drains and decodes everything waiting in c's send buffer.
func queued(t *testing.T, c *Conn) []*Message {
	t.Helper()
	var out []*Message
	for {
		select {
		case data := <-c.send:
			msg, err := DecodeMessage(data)
			require.NoError(t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}
