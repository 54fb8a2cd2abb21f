package boards

import (
	"context"
	"testing"

	"github.com/markb/boardsync/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.RunMigrations())

	_, err = database.Exec(`
		INSERT INTO users (id, email) VALUES ('alice', 'alice@example.com'), ('bob', 'bob@example.com');
		INSERT INTO users (id, email, is_app_admin) VALUES ('root', 'root@example.com', 1);
		INSERT INTO users (id, email, deleted_at) VALUES ('gone', 'gone@example.com', datetime('now'));
		INSERT INTO workspaces (id, name) VALUES ('w1', 'Acme');
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ('w1', 'alice', 'owner'), ('w1', 'bob', 'member');
		INSERT INTO boards (id, workspace_id, name) VALUES ('b1', 'w1', 'Roadmap');
		INSERT INTO boards (id, workspace_id, name, visibility) VALUES ('b2', 'w1', 'Secret', 'private');
		INSERT INTO board_members (board_id, user_id) VALUES ('b2', 'alice');
		INSERT INTO columns (id, board_id, title) VALUES ('c1', 'b1', 'Todo');
		INSERT INTO cards (id, column_id, title) VALUES ('k1', 'c1', 'Ship it');
	`)
	require.NoError(t, err)
	return NewStore(database.DB)
}

func TestGetUser(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "root")
	require.NoError(t, err)
	assert.True(t, u.IsAppAdmin)
	assert.Equal(t, "root@example.com", u.Email)

	_, err = s.GetUser(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParentChain(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	col, err := s.CardColumn(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "c1", col)

	board, err := s.ColumnBoard(ctx, col)
	require.NoError(t, err)
	assert.Equal(t, "b1", board)

	ws, err := s.BoardWorkspace(ctx, board)
	require.NoError(t, err)
	assert.Equal(t, "w1", ws)

	_, err = s.ColumnBoard(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkspaceRole(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	role, err := s.WorkspaceRole(ctx, "w1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "owner", role)

	role, err = s.WorkspaceRole(ctx, "w1", "root")
	require.NoError(t, err)
	assert.Empty(t, role)
}

func TestBoardAccessFor(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a, err := s.BoardAccessFor(ctx, "b2", "bob")
	require.NoError(t, err)
	assert.Equal(t, "w1", a.WorkspaceID)
	assert.True(t, a.Private)
	assert.False(t, a.BoardMember)
	assert.True(t, a.WorkspaceMember)

	a, err = s.BoardAccessFor(ctx, "b2", "alice")
	require.NoError(t, err)
	assert.True(t, a.BoardMember)

	_, err = s.BoardAccessFor(ctx, "b9", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardAccessAfterRemoval(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.db.Exec("INSERT INTO board_members (board_id, user_id) VALUES ('b1', 'bob')")
	require.NoError(t, err)
	a, err := s.BoardAccessFor(ctx, "b1", "bob")
	require.NoError(t, err)
	assert.True(t, a.BoardMember)
	assert.False(t, a.Removed)

	_, err = s.db.Exec("DELETE FROM board_members WHERE board_id = 'b1' AND user_id = 'bob'")
	require.NoError(t, err)
	a, err = s.BoardAccessFor(ctx, "b1", "bob")
	require.NoError(t, err)
	assert.False(t, a.BoardMember)
	assert.True(t, a.Removed)
	assert.True(t, a.WorkspaceMember)
}

func TestExists(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	ok, err := s.BoardExists(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.WorkspaceExists(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.db.Exec("DELETE FROM workspaces WHERE id = 'w1'")
	require.NoError(t, err)
	ok, err = s.BoardExists(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok, "boards cascade with their workspace")
	ok, err = s.WorkspaceExists(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	snap, err := s.WorkspaceSnapshot(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, snap.Boards, 2)
	assert.Equal(t, "w1", snap.Boards[0]["workspace_id"])
	require.Len(t, snap.Columns, 1)
	assert.Equal(t, "b1", snap.Columns[0]["board_id"])
	assert.Equal(t, "Todo", snap.Columns[0]["title"])
	require.Len(t, snap.Cards, 1)
	assert.Equal(t, "c1", snap.Cards[0]["column_id"])

	snap, err = s.BoardSnapshot(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, snap.Boards, 1)
	assert.Equal(t, "private", snap.Boards[0]["visibility"])
	assert.Empty(t, snap.Columns)
	assert.Empty(t, snap.Cards)

	snap, err = s.BoardSnapshot(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, snap.Boards)
}
