package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/quota"
	"github.com/alecgard/clubpass/internal/role"
)

// Gate is the role and subscription check every resolution path ends with.
// It fails closed: any error while evaluating is a denial.
type Gate struct {
	quota *quota.Evaluator
}

// NewGate creates a Gate.
func NewGate(q *quota.Evaluator) *Gate {
	if q == nil {
		q = quota.New()
	}
	return &Gate{quota: q}
}

// Check admits r in clubID. Pass a transaction as rd to evaluate against the
// transaction's own writes.
func (g *Gate) Check(ctx context.Context, rd directory.Reader, r role.Role, clubID string) error {
	caps := r.Capabilities()
	if !r.Known() || !caps.DashboardAccess {
		return ErrRoleNotPermitted
	}
	if caps.SubscriptionExempt {
		return nil
	}
	if clubID == "" {
		return &SubscriptionError{Reason: "no club"}
	}

	subs, err := rd.ListSubscriptions(ctx, clubID)
	if err != nil {
		return fmt.Errorf("%w: loading subscriptions: %w", ErrStoreUnavailable, err)
	}
	if reason, ok := subscriptionState(subs, caps.Pool); !ok {
		return &SubscriptionError{Reason: reason}
	}

	if caps.Pool == role.PoolNone {
		return nil
	}
	_, err = g.quota.Require(ctx, rd, clubID, r, 0)
	var exceeded *quota.ExceededError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exceeded):
		return err
	default:
		return fmt.Errorf("%w: checking capacity: %w", ErrStoreUnavailable, err)
	}
}

// subscriptionState looks for a live subscription covering pool, or any live
// subscription for roles outside both pools. When there is none the reason
// names the status of the most recently updated candidate.
func subscriptionState(subs []directory.Subscription, pool role.Pool) (string, bool) {
	var latest *directory.Subscription
	for i := range subs {
		s := &subs[i]
		if pool != role.PoolNone && s.Type != directory.SubscriptionType(pool) {
			continue
		}
		if s.Status.Live() {
			return "", true
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return "no active subscription", false
	}
	return "subscription " + string(latest.Status), false
}
