// Package quota evaluates club seat capacity. Seats are committed both by
// existing members and by the unredeemed uses of consumable referral codes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
)

// ErrExceeded is matched by *ExceededError.
var ErrExceeded = errors.New("quota exceeded")

// Capacity is the outcome of a capacity check.
type Capacity struct {
	OK         bool      `json:"ok"`
	Pool       role.Pool `json:"pool,omitempty"`
	Members    int       `json:"members"`
	Pending    int       `json:"pending"`
	Committed  int       `json:"committed"`
	Additional int       `json:"additional"`
	Max        int       `json:"max"`
	Reason     string    `json:"reason,omitempty"`
}

// ExceededError carries the counts behind a rejection.
type ExceededError struct {
	Capacity Capacity
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s pool: %d committed + %d requested > %d seats",
		e.Capacity.Pool, e.Capacity.Committed, e.Capacity.Additional, e.Capacity.Max)
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// Evaluator computes capacity against any directory.Reader, so the same check
// runs against the store or inside a transaction.
type Evaluator struct {
	now func() time.Time
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{now: time.Now}
}

// CheckCapacity reports whether additional more seats of r's pool fit in the
// club. Roles outside both pools are never bounded.
func (e *Evaluator) CheckCapacity(ctx context.Context, rd directory.Reader, clubID string, r role.Role, additional int) (Capacity, error) {
	pool := r.Capabilities().Pool
	if pool == role.PoolNone {
		return Capacity{OK: true, Additional: additional}, nil
	}
	c := Capacity{Pool: pool, Additional: additional}

	subs, err := rd.ListSubscriptions(ctx, clubID)
	if err != nil {
		return Capacity{}, fmt.Errorf("loading subscriptions: %w", err)
	}
	sub := directory.LiveSubscription(subs, directory.SubscriptionType(pool))
	if sub != nil {
		c.Max = sub.MaxSeats
	} else {
		c.Reason = fmt.Sprintf("no active %s subscription", pool)
	}

	roles := pool.Members()
	c.Members, err = rd.CountUsers(ctx, clubID, roles)
	if err != nil {
		return Capacity{}, fmt.Errorf("counting members: %w", err)
	}

	codes, err := rd.ListReferralCodes(ctx, clubID)
	if err != nil {
		return Capacity{}, fmt.Errorf("loading referral codes: %w", err)
	}
	now := e.now()
	for i := range codes {
		if codes[i].Role.Capabilities().Pool == pool {
			c.Pending += codes[i].Remaining(now)
		}
	}

	c.Committed = c.Members + c.Pending
	c.OK = sub != nil && c.Committed+additional <= c.Max
	if !c.OK && c.Reason == "" {
		c.Reason = fmt.Sprintf("%s pool full", pool)
	}
	return c, nil
}

// Require is CheckCapacity that turns a rejection into an *ExceededError.
func (e *Evaluator) Require(ctx context.Context, rd directory.Reader, clubID string, r role.Role, additional int) (Capacity, error) {
	c, err := e.CheckCapacity(ctx, rd, clubID, r, additional)
	if err != nil {
		return c, err
	}
	if !c.OK {
		return c, &ExceededError{Capacity: c}
	}
	return c, nil
}
