// Package channel defines how realtime topics are named and how a mutation
// on a table maps onto the set of topics that carry it.
//
// Channel names:
//
//	workspace:<id>          every board, column, card and member of a workspace
//	board:<id>              every column, card and member of one board
//	board-<id>-<table>      legacy per-table board topics (columns, cards, members)
//	user:<id>               personal notifications for one user
//	system                  reserved for control acknowledgements
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidChannel is returned for names that match no channel kind.
var ErrInvalidChannel = errors.New("invalid channel")

// System is the reserved channel used for control acknowledgements.
const System = "system"

const maxIDLength = 128

// Tables that produce realtime events.
const (
	TableWorkspaces       = "workspaces"
	TableWorkspaceMembers = "workspace_members"
	TableBoards           = "boards"
	TableBoardMembers     = "board_members"
	TableColumns          = "columns"
	TableCards            = "cards"
)

// Kind classifies a channel name.
type Kind int

const (
	KindWorkspace Kind = iota + 1
	KindBoard
	KindLegacy
	KindUser
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindWorkspace:
		return "workspace"
	case KindBoard:
		return "board"
	case KindLegacy:
		return "legacy"
	case KindUser:
		return "user"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Channel is a parsed channel name.
type Channel struct {
	Name  string
	Kind  Kind
	ID    string
	Table string // legacy channels only: columns, cards or members
}

// ScopeKind names the kind of entity an access check must cover.
type ScopeKind int

const (
	ScopeNone ScopeKind = iota
	ScopeWorkspace
	ScopeBoard
	ScopeUser
)

// Scope is the aggregate a subscriber must be able to view to receive
// events on a channel.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeWorkspace:
		return "workspace " + s.ID
	case ScopeBoard:
		return "board " + s.ID
	case ScopeUser:
		return "user " + s.ID
	default:
		return "none"
	}
}

// Scope returns the aggregate covered by c. Legacy channels are scoped to
// their board.
func (c Channel) Scope() Scope {
	switch c.Kind {
	case KindWorkspace:
		return Scope{Kind: ScopeWorkspace, ID: c.ID}
	case KindBoard, KindLegacy:
		return Scope{Kind: ScopeBoard, ID: c.ID}
	case KindUser:
		return Scope{Kind: ScopeUser, ID: c.ID}
	default:
		return Scope{}
	}
}

// Subscribable reports whether clients may subscribe to c.
func (c Channel) Subscribable() bool {
	return c.Kind != KindSystem
}

func Workspace(id string) string { return "workspace:" + id }

func Board(id string) string { return "board:" + id }

func User(id string) string { return "user:" + id }

// Legacy returns the per-table board channel for table, or "" when the
// table has no legacy channel.
func Legacy(boardID, table string) string {
	suffix, ok := legacySuffix(table)
	if !ok {
		return ""
	}
	return "board-" + boardID + "-" + suffix
}

func legacySuffix(table string) (string, bool) {
	switch table {
	case TableColumns:
		return "columns", true
	case TableCards:
		return "cards", true
	case TableBoardMembers:
		return "members", true
	}
	return "", false
}

var legacySuffixes = []string{"columns", "cards", "members"}

// Parse classifies name.
func Parse(name string) (Channel, error) {
	if name == System {
		return Channel{Name: name, Kind: KindSystem}, nil
	}

	if prefix, id, ok := strings.Cut(name, ":"); ok {
		var kind Kind
		switch prefix {
		case "workspace":
			kind = KindWorkspace
		case "board":
			kind = KindBoard
		case "user":
			kind = KindUser
		default:
			return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
		}
		if err := validateID(id); err != nil {
			return Channel{}, fmt.Errorf("%w: %q: %v", ErrInvalidChannel, name, err)
		}
		return Channel{Name: name, Kind: kind, ID: id}, nil
	}

	if rest, ok := strings.CutPrefix(name, "board-"); ok {
		for _, suffix := range legacySuffixes {
			id, ok := strings.CutSuffix(rest, "-"+suffix)
			if !ok {
				continue
			}
			if err := validateID(id); err != nil {
				return Channel{}, fmt.Errorf("%w: %q: %v", ErrInvalidChannel, name, err)
			}
			return Channel{Name: name, Kind: KindLegacy, ID: id, Table: suffix}, nil
		}
	}

	return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
}

func validateID(id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	if len(id) > maxIDLength {
		return errors.New("id too long")
	}
	if strings.ContainsAny(id, ": \t\r\n") {
		return errors.New("id contains reserved characters")
	}
	return nil
}

// Aggregate identifies the workspace and board that own a mutated row.
// BoardID is empty for workspace-level rows.
type Aggregate struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	BoardID     string `json:"board_id,omitempty"`
}

// Derive returns the ordered set of channels that carry a mutation on table
// within agg: the workspace channel, the board channel, then the legacy
// per-table channel.
func Derive(table string, agg Aggregate) []string {
	var out []string
	if agg.WorkspaceID != "" {
		out = append(out, Workspace(agg.WorkspaceID))
	}
	if agg.BoardID != "" {
		out = append(out, Board(agg.BoardID))
		if legacy := Legacy(agg.BoardID, table); legacy != "" {
			out = append(out, legacy)
		}
	}
	return out
}
