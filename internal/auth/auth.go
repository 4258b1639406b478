// Package auth resolves dashboard sessions to directory users and guards the
// admin routes.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alecgard/clubpass/internal/role"
)

// ErrNoSession is returned when a token does not resolve to a live session
// bound to a directory user.
var ErrNoSession = errors.New("auth: no valid session")

// User is the caller behind a session.
type User struct {
	ID          string
	Email       string
	Role        role.Role
	ClubID      string
	IdentityUID string
}

// IsSuperAdmin returns true for the platform operator role.
func (u *User) IsSuperAdmin() bool {
	return u.Role == role.SuperAdmin
}

// CanManageClub returns true if the user may issue and revoke codes for
// clubID.
func (u *User) CanManageClub(clubID string) bool {
	if u.IsSuperAdmin() {
		return true
	}
	return u.Role.Capabilities().ClubAdmin && u.ClubID != "" && u.ClubID == clubID
}

// SessionLookup is the interface for resolving session tokens to users.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (*User, error)
}

// Sessions joins the credential store's sessions with directory profiles.
type Sessions struct {
	ids identity.Store
	dir directory.Reader
}

// NewSessions creates a session resolver.
func NewSessions(ids identity.Store, dir directory.Reader) *Sessions {
	return &Sessions{ids: ids, dir: dir}
}

// LookupSession returns the user owning token. A credential whose directory
// record is missing or bound to another credential has no session.
func (s *Sessions) LookupSession(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	id, err := s.ids.LookupSession(ctx, token)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	u, err := s.dir.GetUserByEmail(ctx, id.Email)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}
	if u.IdentityUID != "" && u.IdentityUID != id.UID {
		return nil, ErrNoSession
	}

	return &User{
		ID:          u.ID,
		Email:       u.Email,
		Role:        u.Role,
		ClubID:      u.ClubID,
		IdentityUID: id.UID,
	}, nil
}
