// Package access answers whether a user may view the aggregate behind a
// channel. Every channel kind goes through CanView, including the app-admin
// bypass, so subscribe-time and broadcast-time checks never disagree.
package access

import (
	"context"
	"errors"

	"github.com/markb/boardsync/internal/boards"
	"github.com/markb/boardsync/internal/channel"
)

// Checker is the view-permission oracle.
type Checker interface {
	CanView(ctx context.Context, userID string, scope channel.Scope) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, userID string, scope channel.Scope) (bool, error)

func (f CheckerFunc) CanView(ctx context.Context, userID string, scope channel.Scope) (bool, error) {
	return f(ctx, userID, scope)
}

// Finder reports whether the aggregate behind a scope still exists. It
// lets a caller tell a deleted aggregate apart from a denied one.
type Finder interface {
	Exists(ctx context.Context, scope channel.Scope) (bool, error)
}

// Store is the subset of boards.Store the oracle reads.
type Store interface {
	GetUser(ctx context.Context, id string) (*boards.User, error)
	WorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error)
	BoardAccessFor(ctx context.Context, boardID, userID string) (*boards.BoardAccess, error)
	WorkspaceExists(ctx context.Context, id string) (bool, error)
	BoardExists(ctx context.Context, id string) (bool, error)
}

// Oracle implements Checker over the membership tables.
type Oracle struct {
	store Store
}

func NewOracle(store Store) *Oracle {
	return &Oracle{store: store}
}

// CanView reports whether userID may view scope. Rules:
//   - app admins see everything;
//   - a workspace is visible to its members;
//   - a board is visible to members of its workspace, except to users
//     taken off the board since; a private board requires board membership;
//   - a user channel is visible only to that user.
//
// Missing users or aggregates deny without error.
func (o *Oracle) CanView(ctx context.Context, userID string, scope channel.Scope) (bool, error) {
	user, err := o.store.GetUser(ctx, userID)
	if errors.Is(err, boards.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.IsAppAdmin {
		return true, nil
	}

	switch scope.Kind {
	case channel.ScopeUser:
		return scope.ID == userID, nil

	case channel.ScopeWorkspace:
		role, err := o.store.WorkspaceRole(ctx, scope.ID, userID)
		if err != nil {
			return false, err
		}
		return role != "", nil

	case channel.ScopeBoard:
		a, err := o.store.BoardAccessFor(ctx, scope.ID, userID)
		if errors.Is(err, boards.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !a.WorkspaceMember {
			return false, nil
		}
		if a.Private {
			return a.BoardMember, nil
		}
		return a.BoardMember || !a.Removed, nil
	}

	return false, nil
}

// Exists implements Finder. User scopes always exist; a removed user fails
// CanView instead.
func (o *Oracle) Exists(ctx context.Context, scope channel.Scope) (bool, error) {
	switch scope.Kind {
	case channel.ScopeWorkspace:
		return o.store.WorkspaceExists(ctx, scope.ID)
	case channel.ScopeBoard:
		return o.store.BoardExists(ctx, scope.ID)
	case channel.ScopeUser:
		return true, nil
	}
	return false, nil
}
