package directory

import (
	"slices"
	"strings"
	"time"

	"github.com/alecgard/clubpass/internal/role"
)

// User is the profile record that grants dashboard access.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	ClubID       string    `json:"club_id,omitempty"`
	TeamID       string    `json:"team_id,omitempty"`
	Role         role.Role `json:"role"`
	Providers    []string  `json:"providers"`
	HasPassword  bool      `json:"has_password"`
	IdentityUID  string    `json:"identity_uid,omitempty"`
	ReferralCode string    `json:"referral_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Orphaned reports whether the user lacks the club every non-super-admin
// account needs.
func (u *User) Orphaned() bool {
	return u.ClubID == "" && u.Role != role.SuperAdmin
}

// HasProvider reports whether provider is in the user's linked set.
func (u *User) HasProvider(provider string) bool {
	return slices.Contains(u.Providers, provider)
}

// MergeProviders adds any providers not already linked and reports whether
// the set changed.
func (u *User) MergeProviders(providers ...string) bool {
	changed := false
	for _, p := range providers {
		if p == "" || u.HasProvider(p) {
			continue
		}
		u.Providers = append(u.Providers, p)
		changed = true
	}
	if changed {
		slices.Sort(u.Providers)
	}
	return changed
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	c := *u
	c.Providers = slices.Clone(u.Providers)
	return &c
}

// Club is a sports club. AdminIDs lists the users with club-admin standing.
type Club struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AdminIDs  []string  `json:"admin_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CodeStatus classifies a referral code at a point in time.
type CodeStatus string

const (
	CodeConsumable CodeStatus = "consumable"
	CodeInactive   CodeStatus = "inactive"
	CodeExpired    CodeStatus = "expired"
	CodeExhausted  CodeStatus = "exhausted"
)

// ReferralCode is a single- or multi-use invitation binding a club and role.
// Version is bumped on every write and guards concurrent redemption.
type ReferralCode struct {
	Code      string     `json:"code"`
	ClubID    string     `json:"club_id"`
	Role      role.Role  `json:"role"`
	MaxUses   int        `json:"max_uses"`
	UsesCount int        `json:"uses_count"`
	Active    bool       `json:"active"`
	TeamID    string     `json:"team_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Version   int64      `json:"-"`
}

// Status reports why the code is or is not consumable at now. Inactive wins
// over expired, which wins over exhausted.
func (c *ReferralCode) Status(now time.Time) CodeStatus {
	switch {
	case !c.Active:
		return CodeInactive
	case c.ExpiresAt != nil && !c.ExpiresAt.After(now):
		return CodeExpired
	case c.UsesCount >= c.MaxUses:
		return CodeExhausted
	default:
		return CodeConsumable
	}
}

// Consumable reports whether one more use may be redeemed at now.
func (c *ReferralCode) Consumable(now time.Time) bool {
	return c.Status(now) == CodeConsumable
}

// Remaining is the number of uses still redeemable at now; zero when the code
// is not consumable.
func (c *ReferralCode) Remaining(now time.Time) int {
	if !c.Consumable(now) {
		return 0
	}
	return c.MaxUses - c.UsesCount
}

// IssuedTo reports whether email may redeem c. Codes without an invitee
// email are open to anyone.
func (c *ReferralCode) IssuedTo(email string) bool {
	if c.Email == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(email))
}

// Clone returns a deep copy of c.
func (c *ReferralCode) Clone() *ReferralCode {
	cp := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// SubscriptionType identifies the seat pool a subscription funds.
type SubscriptionType string

const (
	SubscriptionCoachAccount SubscriptionType = SubscriptionType(role.PoolCoach)
	SubscriptionViewOnly     SubscriptionType = SubscriptionType(role.PoolView)
)

// SubscriptionStatus mirrors the billing provider's lifecycle states.
type SubscriptionStatus string

const (
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// Live reports whether the status grants access.
func (s SubscriptionStatus) Live() bool {
	return s == StatusTrialing || s == StatusActive
}

// Subscription is read-only input owned by billing.
type Subscription struct {
	ID        string             `json:"id"`
	ClubID    string             `json:"club_id"`
	Type      SubscriptionType   `json:"type"`
	Status    SubscriptionStatus `json:"status"`
	MaxSeats  int                `json:"max_seats"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// LiveSubscription returns the live subscription of type t with the most
// seats, or nil when the club has none.
func LiveSubscription(subs []Subscription, t SubscriptionType) *Subscription {
	var best *Subscription
	for i := range subs {
		s := &subs[i]
		if s.Type != t || !s.Status.Live() {
			continue
		}
		if best == nil || s.MaxSeats > best.MaxSeats {
			best = s
		}
	}
	return best
}
