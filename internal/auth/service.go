// internal/auth/service.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markb/boardsync/internal/boards"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrUnknownUser  = errors.New("token does not resolve to a user")
)

// UserLookup resolves a user id to an active account.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*boards.User, error)
}

// Identity is an authenticated caller.
type Identity struct {
	User      *boards.User
	ExpiresAt time.Time // zero when the token carries no exp claim
}

func (i *Identity) UserID() string {
	return i.User.ID
}

// Expired reports whether the credential has expired at now.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

type Service struct {
	users     UserLookup
	jwtSecret string
}

func NewService(users UserLookup, jwtSecret string) *Service {
	return &Service{users: users, jwtSecret: jwtSecret}
}

// Authenticate verifies a bearer token and resolves its subject to an
// existing user. The returned error always wraps one of ErrMissingToken,
// ErrInvalidToken or ErrUnknownUser unless the lookup itself failed.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := s.ValidateAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	user, err := s.users.GetUser(ctx, sub)
	if errors.Is(err, boards.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, sub)
	}
	if err != nil {
		return nil, err
	}

	id := &Identity{User: user}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// GetJWTSecret returns the JWT secret (used by CLI for key generation)
func (s *Service) GetJWTSecret() string {
	return s.jwtSecret
}
