// Package boards provides the read-side lookups the realtime service needs
// over the workspace/board/column/card schema: foreign-key chains and
// membership facts. Mutations belong to the CRUD services and never pass
// through here.
package boards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("boards: not found")

// Store runs lookups against the relational schema.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// User is the subset of a user row the realtime service cares about.
type User struct {
	ID         string
	Email      string
	IsAppAdmin bool
}

// GetUser returns an active user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var email sql.NullString
	var admin int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, is_app_admin FROM users
		WHERE id = ? AND deleted_at IS NULL
	`, id).Scan(&u.ID, &email, &admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	u.Email = email.String
	u.IsAppAdmin = admin == 1
	return &u, nil
}

// BoardWorkspace returns the workspace that owns boardID.
func (s *Store) BoardWorkspace(ctx context.Context, boardID string) (string, error) {
	return s.lookupParent(ctx, "SELECT workspace_id FROM boards WHERE id = ?", "board", boardID)
}

// ColumnBoard returns the board that owns columnID.
func (s *Store) ColumnBoard(ctx context.Context, columnID string) (string, error) {
	return s.lookupParent(ctx, "SELECT board_id FROM columns WHERE id = ?", "column", columnID)
}

// CardColumn returns the column that holds cardID.
func (s *Store) CardColumn(ctx context.Context, cardID string) (string, error) {
	return s.lookupParent(ctx, "SELECT column_id FROM cards WHERE id = ?", "card", cardID)
}

func (s *Store) lookupParent(ctx context.Context, query, kind, id string) (string, error) {
	var parent string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s %s: %w", kind, id, err)
	}
	return parent, nil
}

// WorkspaceRole returns the user's role in the workspace, or "" when the
// user is not a member.
func (s *Store) WorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id = ? AND user_id = ?
	`, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load workspace membership: %w", err)
	}
	return role, nil
}

// BoardAccess is everything needed to decide whether a user can view a board.
type BoardAccess struct {
	BoardID         string
	WorkspaceID     string
	Private         bool
	BoardMember     bool
	WorkspaceMember bool
	// Removed is set when the user was taken off the board and has not
	// joined it again.
	Removed bool
}

// BoardAccessFor loads the board's visibility together with the user's
// board and workspace memberships in one round trip.
func (s *Store) BoardAccessFor(ctx context.Context, boardID, userID string) (*BoardAccess, error) {
	var a BoardAccess
	var visibility string
	var boardMember, workspaceMember, removed int
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.workspace_id, b.visibility,
		       EXISTS (SELECT 1 FROM board_members bm WHERE bm.board_id = b.id AND bm.user_id = ?),
		       EXISTS (SELECT 1 FROM workspace_members wm WHERE wm.workspace_id = b.workspace_id AND wm.user_id = ?),
		       EXISTS (SELECT 1 FROM board_removals br WHERE br.board_id = b.id AND br.user_id = ?)
		FROM boards b WHERE b.id = ?
	`, userID, userID, userID, boardID).Scan(&a.BoardID, &a.WorkspaceID, &visibility, &boardMember, &workspaceMember, &removed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load board access: %w", err)
	}
	a.Private = visibility == "private"
	a.BoardMember = boardMember == 1
	a.WorkspaceMember = workspaceMember == 1
	a.Removed = removed == 1
	return &a, nil
}

// WorkspaceExists reports whether the workspace row is still there.
func (s *Store) WorkspaceExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = ?)", id)
}

// BoardExists reports whether the board row is still there.
func (s *Store) BoardExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "SELECT EXISTS (SELECT 1 FROM boards WHERE id = ?)", id)
}

func (s *Store) exists(ctx context.Context, query, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", id, err)
	}
	return n == 1, nil
}

// Snapshot is the current content of one or more boards. Every slice is
// ordered so a row's parent comes before it.
type Snapshot struct {
	Boards  []map[string]any
	Columns []map[string]any
	Cards   []map[string]any
}

// WorkspaceSnapshot returns every board of the workspace with its columns
// and cards.
func (s *Store) WorkspaceSnapshot(ctx context.Context, workspaceID string) (*Snapshot, error) {
	return s.snapshot(ctx, "workspace_id", workspaceID)
}

// BoardSnapshot returns one board with its columns and cards.
func (s *Store) BoardSnapshot(ctx context.Context, boardID string) (*Snapshot, error) {
	return s.snapshot(ctx, "id", boardID)
}

// snapshot selects the boards whose column by equals value. by is always
// a fixed column name.
func (s *Store) snapshot(ctx context.Context, by, value string) (*Snapshot, error) {
	var snap Snapshot
	var err error
	snap.Boards, err = s.rows(ctx, fmt.Sprintf(`
		SELECT b.id, b.workspace_id, b.name, b.visibility, b.position
		FROM boards b WHERE b.%s = ? ORDER BY b.position, b.id
	`, by), value)
	if err != nil {
		return nil, fmt.Errorf("failed to load boards: %w", err)
	}
	snap.Columns, err = s.rows(ctx, fmt.Sprintf(`
		SELECT c.id, c.board_id, c.title, c.position
		FROM columns c JOIN boards b ON b.id = c.board_id
		WHERE b.%s = ? ORDER BY c.position, c.id
	`, by), value)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns: %w", err)
	}
	snap.Cards, err = s.rows(ctx, fmt.Sprintf(`
		SELECT k.id, k.column_id, k.title, k.description, k.position
		FROM cards k JOIN columns c ON c.id = k.column_id JOIN boards b ON b.id = c.board_id
		WHERE b.%s = ? ORDER BY k.position, k.id
	`, by), value)
	if err != nil {
		return nil, fmt.Errorf("failed to load cards: %w", err)
	}
	return &snap, nil
}

func (s *Store) rows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
