package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/boardsync/internal/access"
	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/boards"
	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/db"
)

const e2eSecret = "e2e-secret-key-at-least-32-characters"

type e2eEnv struct {
	svc   *Service
	auth  *auth.Service
	db    *db.DB
	wsURL string
}

func newE2E(t *testing.T) *e2eEnv {
	t.Helper()
	database, err := db.New(t.TempDir() + "/e2e.db")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.RunMigrations())

	_, err = database.Exec(`
		INSERT INTO users (id, email) VALUES ('alice', 'alice@example.com'), ('bob', 'bob@example.com'), ('dave', 'dave@example.com');
		INSERT INTO workspaces (id, name) VALUES ('w1', 'Acme');
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ('w1', 'alice', 'owner'), ('w1', 'bob', 'member'), ('w1', 'dave', 'member');
		INSERT INTO boards (id, workspace_id, name) VALUES ('b1', 'w1', 'Sprint 11');
		INSERT INTO boards (id, workspace_id, name, visibility) VALUES ('b2', 'w1', 'Secret', 'private');
		INSERT INTO board_members (board_id, user_id) VALUES ('b2', 'alice'), ('b2', 'dave');
		INSERT INTO columns (id, board_id, title) VALUES ('c1', 'b1', 'Todo'), ('c2', 'b2', 'Doing');
	`)
	require.NoError(t, err)

	store := boards.NewStore(database.DB)
	authSvc := auth.NewService(store, e2eSecret)
	svc, err := NewService(Config{}, Deps{
		Auth:     authSvc,
		Access:   access.NewOracle(store),
		Resolver: store,
	})
	require.NoError(t, err)
	svc.Start()

	srv := httptest.NewServer(http.HandlerFunc(svc.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
		srv.Close()
	})

	return &e2eEnv{
		svc:   svc,
		auth:  authSvc,
		db:    database,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *e2eEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.auth.GenerateAccessToken(userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *e2eEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL+"?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// connect dials as userID and consumes the connected ack.
func (e *e2eEnv) connect(t *testing.T, userID, resume string) (*websocket.Conn, *Message) {
	t.Helper()
	q := "token=" + e.token(t, userID)
	if resume != "" {
		q += "&resume=" + resume
	}
	ws := e.dial(t, q)
	hello := readMsg(t, ws)
	require.Equal(t, AckConnected, hello.ControlType())
	return ws, hello
}

func readMsg(t *testing.T, ws *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

// expectSilence fails if anything arrives within d. The socket is not
// usable for reads afterwards.
func expectSilence(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func sendControl(t *testing.T, ws *websocket.Conn, msg ControlMessage) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func subscribe(t *testing.T, ws *websocket.Conn, name string) *Message {
	t.Helper()
	sendControl(t, ws, ControlMessage{Type: TypeSubscribe, Channel: name})
	return readMsg(t, ws)
}

func TestRejectedHandshakes(t *testing.T) {
	env := newE2E(t)
	ghost, err := env.auth.GenerateAccessToken("ghost", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		query  string
		reason string
	}{
		{"missing", "", ReasonMissingToken},
		{"garbage", "token=not-a-jwt", ReasonInvalidToken},
		{"unknown user", "token=" + ghost, ReasonUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := env.dial(t, tt.query)
			require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, _, err := ws.ReadMessage()

			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)
		})
	}
	assert.Equal(t, 0, env.svc.Stats().Connections)
}

func TestConnectedIsFirstFrame(t *testing.T) {
	env := newE2E(t)
	_, hello := env.connect(t, "alice", "")

	assert.True(t, hello.IsControl())
	assert.Equal(t, "alice", hello.String("user_id"))
	assert.NotEmpty(t, hello.String("connection_id"))
	assert.Equal(t, []any{}, hello.Payload["restored"])
}

func TestSubscribeOverTheWire(t *testing.T) {
	env := newE2E(t)
	bob, _ := env.connect(t, "bob", "")

	ack := subscribe(t, bob, "workspace:w1")
	assert.Equal(t, AckSubscribed, ack.ControlType())

	ack = subscribe(t, bob, "board:b2")
	assert.Equal(t, AckError, ack.ControlType())
	assert.Equal(t, CodeForbidden, ack.String("code"))
	assert.Equal(t, "board:b2", ack.String("channel"))

	sendControl(t, bob, ControlMessage{Type: TypePing})
	assert.Equal(t, AckPong, readMsg(t, bob).ControlType())

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	ack = readMsg(t, bob)
	assert.Equal(t, CodeInvalidMessage, ack.String("code"))
}

func TestBoardRenameReachesWorkspaceSubscribers(t *testing.T) {
	env := newE2E(t)
	alice, _ := env.connect(t, "alice", "")
	bob, _ := env.connect(t, "bob", "")
	for _, ws := range []*websocket.Conn{alice, bob} {
		require.Equal(t, AckSubscribed, subscribe(t, ws, "workspace:w1").ControlType())
	}

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableBoards,
		Kind:  KindUpdate,
		New:   Record{"id": "b1", "workspace_id": "w1", "name": "Sprint 12"},
		Old:   Record{"id": "b1", "workspace_id": "w1", "name": "Sprint 11"},
	}))

	for _, ws := range []*websocket.Conn{alice, bob} {
		msg := readMsg(t, ws)
		assert.Equal(t, KindUpdate, msg.Event)
		assert.Equal(t, "workspace:w1", msg.Channel)
		ev, err := msg.ToEvent()
		require.NoError(t, err)
		assert.Equal(t, "Sprint 12", ev.New.String("name"))
		assert.Equal(t, "Sprint 11", ev.Old.String("name"))
	}
}

func TestRemovedMemberStopsReceiving(t *testing.T) {
	env := newE2E(t)
	alice, _ := env.connect(t, "alice", "")
	dave, _ := env.connect(t, "dave", "")
	for _, ws := range []*websocket.Conn{alice, dave} {
		require.Equal(t, AckSubscribed, subscribe(t, ws, "board:b2").ControlType())
	}

	_, err := env.db.Exec(`DELETE FROM board_members WHERE board_id = 'b2' AND user_id = 'dave'`)
	require.NoError(t, err)

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableCards,
		Kind:  KindInsert,
		New:   Record{"id": "k7", "column_id": "c2", "title": "Quiet launch"},
	}))

	msg := readMsg(t, alice)
	assert.Equal(t, "board:b2", msg.Channel)
	expectSilence(t, dave, 300*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, cs := range env.svc.Stats().ChannelDetails {
			if cs.Channel == "board:b2" {
				return cs.Subscribers == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeRestoresSubscriptions(t *testing.T) {
	env := newE2E(t)
	first, hello := env.connect(t, "alice", "")
	require.Equal(t, AckSubscribed, subscribe(t, first, "board:b1").ControlType())
	first.Close()

	require.Eventually(t, func() bool { return env.svc.Stats().Resumable == 1 }, 2*time.Second, 10*time.Millisecond)

	second, again := env.connect(t, "alice", hello.String("connection_id"))
	assert.Equal(t, []any{"board:b1"}, again.Payload["restored"])
	assert.NotEqual(t, hello.String("connection_id"), again.String("connection_id"))

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableColumns,
		Kind:  KindUpdate,
		New:   Record{"id": "c1", "board_id": "b1", "title": "Backlog"},
	}))
	msg := readMsg(t, second)
	assert.Equal(t, "board:b1", msg.Channel)
	assert.Equal(t, channel.TableColumns, msg.Table)
}

func TestResumeIsScopedToUser(t *testing.T) {
	env := newE2E(t)
	first, hello := env.connect(t, "alice", "")
	require.Equal(t, AckSubscribed, subscribe(t, first, "board:b2").ControlType())
	first.Close()
	require.Eventually(t, func() bool { return env.svc.Stats().Resumable == 1 }, 2*time.Second, 10*time.Millisecond)

	_, stolen := env.connect(t, "bob", hello.String("connection_id"))
	assert.Equal(t, []any{}, stolen.Payload["restored"])
}

func TestRemovedMemberStopsReceivingOpenBoard(t *testing.T) {
	env := newE2E(t)
	_, err := env.db.Exec(`INSERT INTO board_members (board_id, user_id) VALUES ('b1', 'dave')`)
	require.NoError(t, err)

	alice, _ := env.connect(t, "alice", "")
	dave, _ := env.connect(t, "dave", "")
	for _, ws := range []*websocket.Conn{alice, dave} {
		require.Equal(t, AckSubscribed, subscribe(t, ws, "board:b1").ControlType())
	}

	_, err = env.db.Exec(`DELETE FROM board_members WHERE board_id = 'b1' AND user_id = 'dave'`)
	require.NoError(t, err)

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableColumns,
		Kind:  KindUpdate,
		New:   Record{"id": "c1", "board_id": "b1", "title": "Backlog"},
	}))

	msg := readMsg(t, alice)
	assert.Equal(t, "board:b1", msg.Channel)
	expectSilence(t, dave, 300*time.Millisecond)
}

func TestBoardDeleteReachesMembers(t *testing.T) {
	env := newE2E(t)
	bob, _ := env.connect(t, "bob", "")
	require.Equal(t, AckSubscribed, subscribe(t, bob, "workspace:w1").ControlType())
	require.Equal(t, AckSubscribed, subscribe(t, bob, "board:b1").ControlType())
	dave, _ := env.connect(t, "dave", "")
	require.Equal(t, AckSubscribed, subscribe(t, dave, "workspace:w1").ControlType())

	_, err := env.db.Exec(`DELETE FROM boards WHERE id = 'b1'`)
	require.NoError(t, err)

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableBoards,
		Kind:  KindDelete,
		Old:   Record{"id": "b1", "workspace_id": "w1", "name": "Sprint 11", "visibility": "workspace"},
	}))

	var got []string
	for range 2 {
		msg := readMsg(t, bob)
		assert.Equal(t, KindDelete, msg.Event)
		assert.Equal(t, channel.TableBoards, msg.Table)
		got = append(got, msg.Channel)
	}
	assert.ElementsMatch(t, []string{"workspace:w1", "board:b1"}, got)

	msg := readMsg(t, dave)
	assert.Equal(t, "workspace:w1", msg.Channel)
	assert.Equal(t, KindDelete, msg.Event)
}

func TestPrivateBoardDeleteStaysPrivate(t *testing.T) {
	env := newE2E(t)
	alice, _ := env.connect(t, "alice", "")
	require.Equal(t, AckSubscribed, subscribe(t, alice, "workspace:w1").ControlType())
	require.Equal(t, AckSubscribed, subscribe(t, alice, "board:b2").ControlType())
	bob, _ := env.connect(t, "bob", "")
	require.Equal(t, AckSubscribed, subscribe(t, bob, "workspace:w1").ControlType())

	_, err := env.db.Exec(`DELETE FROM boards WHERE id = 'b2'`)
	require.NoError(t, err)

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableBoards,
		Kind:  KindDelete,
		Old:   Record{"id": "b2", "workspace_id": "w1", "name": "Secret", "visibility": "private"},
	}))

	var got []string
	for range 2 {
		got = append(got, readMsg(t, alice).Channel)
	}
	assert.ElementsMatch(t, []string{"workspace:w1", "board:b2"}, got)
	expectSilence(t, bob, 300*time.Millisecond)
}

func TestWorkspaceDeleteReachesMembers(t *testing.T) {
	env := newE2E(t)
	bob, _ := env.connect(t, "bob", "")
	require.Equal(t, AckSubscribed, subscribe(t, bob, "workspace:w1").ControlType())

	_, err := env.db.Exec(`DELETE FROM workspaces WHERE id = 'w1'`)
	require.NoError(t, err)

	require.NoError(t, env.svc.EmitDatabaseChange(Change{
		Table: channel.TableWorkspaces,
		Kind:  KindDelete,
		Old:   Record{"id": "w1", "name": "Acme"},
	}))

	msg := readMsg(t, bob)
	assert.Equal(t, "workspace:w1", msg.Channel)
	assert.Equal(t, channel.TableWorkspaces, msg.Table)
	assert.Equal(t, KindDelete, msg.Event)
}

func TestCascadedDeletesAfterBoardDelete(t *testing.T) {
	env := newE2E(t)
	_, err := env.db.Exec(`INSERT INTO cards (id, column_id, title) VALUES ('k1', 'c1', 'Write tests')`)
	require.NoError(t, err)
	bob, _ := env.connect(t, "bob", "")
	require.Equal(t, AckSubscribed, subscribe(t, bob, "board:b1").ControlType())

	_, err = env.db.Exec(`DELETE FROM boards WHERE id = 'b1'`)
	require.NoError(t, err)

	for _, c := range []Change{
		{Table: channel.TableBoards, Kind: KindDelete, Old: Record{"id": "b1", "workspace_id": "w1"}},
		{Table: channel.TableColumns, Kind: KindDelete, Old: Record{"id": "c1", "board_id": "b1"}},
		{Table: channel.TableCards, Kind: KindDelete, Old: Record{"id": "k1", "column_id": "c1"}},
	} {
		require.NoError(t, env.svc.EmitDatabaseChange(c))
	}

	for _, table := range []string{channel.TableBoards, channel.TableColumns, channel.TableCards} {
		msg := readMsg(t, bob)
		assert.Equal(t, "board:b1", msg.Channel)
		assert.Equal(t, table, msg.Table)
		assert.Equal(t, KindDelete, msg.Event)
	}
}

func TestCardDeleteAfterColumnDelete(t *testing.T) {
	env := newE2E(t)
	_, err := env.db.Exec(`INSERT INTO cards (id, column_id, title) VALUES ('k1', 'c1', 'Write tests')`)
	require.NoError(t, err)
	bob, _ := env.connect(t, "bob", "")
	require.Equal(t, AckSubscribed, subscribe(t, bob, "board:b1").ControlType())

	_, err = env.db.Exec(`DELETE FROM columns WHERE id = 'c1'`)
	require.NoError(t, err)

	for _, c := range []Change{
		{Table: channel.TableColumns, Kind: KindDelete, Old: Record{"id": "c1", "board_id": "b1"}},
		{Table: channel.TableCards, Kind: KindDelete, Old: Record{"id": "k1", "column_id": "c1"}},
	} {
		require.NoError(t, env.svc.EmitDatabaseChange(c))
	}

	for _, table := range []string{channel.TableColumns, channel.TableCards} {
		msg := readMsg(t, bob)
		assert.Equal(t, "board:b1", msg.Channel)
		assert.Equal(t, table, msg.Table)
	}
}
