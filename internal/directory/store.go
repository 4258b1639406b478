// Package directory is the profile directory: users, clubs, referral codes
// and the subscriptions that fund club seats.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/clubpass/internal/role"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("directory: not found")
	// ErrConflict is returned when an optimistic transaction lost a race and
	// retries were exhausted.
	ErrConflict = errors.New("directory: concurrent modification")
	// ErrDuplicate is returned when a unique key (email, code) is taken.
	ErrDuplicate = errors.New("directory: duplicate key")
)

// DefaultMaxAttempts bounds how often RunTransaction re-runs a transaction
// that hit a conflict.
const DefaultMaxAttempts = 5

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetReferralCode(ctx context.Context, code string) (*ReferralCode, error)
	GetClub(ctx context.Context, id string) (*Club, error)
	ListSubscriptions(ctx context.Context, clubID string) ([]Subscription, error)
	CountUsers(ctx context.Context, clubID string, roles []role.Role) (int, error)
	ListReferralCodes(ctx context.Context, clubID string) ([]ReferralCode, error)
}

// Tx is a unit of work. Writes become visible to others only when the
// transaction function returns nil.
type Tx interface {
	Reader

	// InsertReferralCode fails with ErrDuplicate if the code exists.
	InsertReferralCode(ctx context.Context, c *ReferralCode) error
	// PutReferralCode writes c if the stored version still equals c.Version
	// and bumps c.Version. A stale version fails with ErrConflict.
	PutReferralCode(ctx context.Context, c *ReferralCode) error
	// CreateUser fails with ErrDuplicate if the email is taken.
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	AddClubAdmin(ctx context.Context, clubID, userID string) error
	CreateClub(ctx context.Context, c *Club) error
	PutSubscription(ctx context.Context, s *Subscription) error
}

// Store is the directory. RunTransaction re-runs fn when the commit loses an
// optimistic race, up to the store's attempt limit, then returns ErrConflict.
// Errors returned by fn abort the transaction and are passed through.
type Store interface {
	Reader
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	ListOrphanedUsers(ctx context.Context) ([]User, error)
}

// Retry runs attempt until it succeeds, fails with something other than
// ErrConflict, or maxAttempts is reached.
func Retry(ctx context.Context, maxAttempts int, attempt func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var err error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * time.Millisecond):
			}
		}
		err = attempt()
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
