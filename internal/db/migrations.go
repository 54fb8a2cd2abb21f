package db

import "fmt"

const identitySchema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
    email         TEXT UNIQUE,
    display_name  TEXT NOT NULL DEFAULT '',
    is_app_admin  INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT DEFAULT (datetime('now')),
    deleted_at    TEXT
);
`

const boardSchema = `
CREATE TABLE IF NOT EXISTS workspaces (
    id          TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
    name        TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS workspace_members (
    workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
    user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role          TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('owner', 'admin', 'member', 'viewer')),
    created_at    TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (workspace_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_workspace_members_user ON workspace_members(user_id);

CREATE TABLE IF NOT EXISTS boards (
    id            TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
    workspace_id  TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    visibility    TEXT NOT NULL DEFAULT 'workspace' CHECK (visibility IN ('workspace', 'private')),
    position      REAL NOT NULL DEFAULT 0,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_boards_workspace ON boards(workspace_id);

CREATE TABLE IF NOT EXISTS board_members (
    board_id    TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role        TEXT NOT NULL DEFAULT 'member',
    created_at  TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (board_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_board_members_user ON board_members(user_id);

-- A user taken off a board stays off it, even when workspace membership
-- alone would grant view access. Joining the board again lifts it.
CREATE TABLE IF NOT EXISTS board_removals (
    board_id    TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    removed_at  TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (board_id, user_id)
);

CREATE TRIGGER IF NOT EXISTS board_member_removed
AFTER DELETE ON board_members
WHEN EXISTS (SELECT 1 FROM boards WHERE id = OLD.board_id)
BEGIN
    INSERT OR REPLACE INTO board_removals (board_id, user_id) VALUES (OLD.board_id, OLD.user_id);
END;

CREATE TRIGGER IF NOT EXISTS board_member_added
AFTER INSERT ON board_members
BEGIN
    DELETE FROM board_removals WHERE board_id = NEW.board_id AND user_id = NEW.user_id;
END;

CREATE TRIGGER IF NOT EXISTS board_removals_cleanup
AFTER DELETE ON boards
BEGIN
    DELETE FROM board_removals WHERE board_id = OLD.id;
END;

CREATE TABLE IF NOT EXISTS columns (
    id          TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
    board_id    TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
    title       TEXT NOT NULL,
    position    REAL NOT NULL DEFAULT 0,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_columns_board ON columns(board_id);

CREATE TABLE IF NOT EXISTS cards (
    id           TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
    column_id    TEXT NOT NULL REFERENCES columns(id) ON DELETE CASCADE,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    position     REAL NOT NULL DEFAULT 0,
    created_at   TEXT DEFAULT (datetime('now')),
    updated_at   TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_cards_column ON cards(column_id);
`

// RunMigrations creates every table the realtime service reads. It is
// idempotent and safe to run on each start.
func (db *DB) RunMigrations() error {
	if _, err := db.Exec(identitySchema); err != nil {
		return fmt.Errorf("failed to run identity migrations: %w", err)
	}
	if _, err := db.Exec(boardSchema); err != nil {
		return fmt.Errorf("failed to run board migrations: %w", err)
	}
	return nil
}
