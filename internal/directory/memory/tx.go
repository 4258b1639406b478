package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
)

type tx struct {
	s *Store

	reads      map[string]int64
	users      map[string]*directory.User
	newUsers   map[string]bool
	codes      map[string]*directory.ReferralCode
	newCodes   map[string]bool
	codeExpect map[string]int64
	clubs      map[string]*directory.Club
	subs       map[string]*directory.Subscription
}

func newTx(s *Store) *tx {
	return &tx{
		s:          s,
		reads:      make(map[string]int64),
		users:      make(map[string]*directory.User),
		newUsers:   make(map[string]bool),
		codes:      make(map[string]*directory.ReferralCode),
		newCodes:   make(map[string]bool),
		codeExpect: make(map[string]int64),
		clubs:      make(map[string]*directory.Club),
		subs:       make(map[string]*directory.Subscription),
	}
}

// observe records the committed version of key the first time it is read.
// Must be called with s.mu held.
func (t *tx) observe(key string) {
	if _, ok := t.reads[key]; !ok {
		t.reads[key] = t.s.versions[key]
	}
}

func (t *tx) GetUser(_ context.Context, id string) (*directory.User, error) {
	if u, ok := t.users[id]; ok {
		return u.Clone(), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(userKey(id))
	u, ok := t.s.users[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return u.Clone(), nil
}

func (t *tx) GetUserByEmail(_ context.Context, email string) (*directory.User, error) {
	for _, u := range t.users {
		if u.Email == email {
			return u.Clone(), nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(emailKey(email))
	id, ok := t.s.emails[email]
	if !ok {
		return nil, directory.ErrNotFound
	}
	t.observe(userKey(id))
	return t.s.users[id].Clone(), nil
}

func (t *tx) GetReferralCode(_ context.Context, code string) (*directory.ReferralCode, error) {
	if c, ok := t.codes[code]; ok {
		return c.Clone(), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(codeKey(code))
	c, ok := t.s.codes[code]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return c.Clone(), nil
}

func (t *tx) GetClub(_ context.Context, id string) (*directory.Club, error) {
	if c, ok := t.clubs[id]; ok {
		return cloneClub(c), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(clubKey(id))
	c, ok := t.s.clubs[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return cloneClub(c), nil
}

func (t *tx) ListSubscriptions(_ context.Context, clubID string) ([]directory.Subscription, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(subsKey(clubID))
	return t.s.subscriptionsLocked(clubID, t), nil
}

func (t *tx) CountUsers(_ context.Context, clubID string, roles []role.Role) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(membersKey(clubID))
	return t.s.countLocked(clubID, roles, t), nil
}

func (t *tx) ListReferralCodes(_ context.Context, clubID string) ([]directory.ReferralCode, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.observe(clubCodesKey(clubID))
	return t.s.clubCodesLocked(clubID, t), nil
}

// ---- writes ----

func (t *tx) InsertReferralCode(ctx context.Context, c *directory.ReferralCode) error {
	if _, err := t.GetReferralCode(ctx, c.Code); err == nil {
		return fmt.Errorf("inserting referral code %s: %w", c.Code, directory.ErrDuplicate)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.s.now()
	}
	c.Version = 1
	t.codes[c.Code] = c.Clone()
	t.newCodes[c.Code] = true
	return nil
}

func (t *tx) PutReferralCode(ctx context.Context, c *directory.ReferralCode) error {
	if _, staged := t.codes[c.Code]; !staged {
		t.s.mu.Lock()
		cur, ok := t.s.codes[c.Code]
		if ok {
			t.observe(codeKey(c.Code))
		}
		t.s.mu.Unlock()
		if !ok {
			return fmt.Errorf("updating referral code %s: %w", c.Code, directory.ErrNotFound)
		}
		if cur.Version != c.Version {
			return fmt.Errorf("updating referral code %s: %w", c.Code, directory.ErrConflict)
		}
		t.codeExpect[c.Code] = c.Version
	} else if t.codes[c.Code].Version != c.Version {
		return fmt.Errorf("updating referral code %s: %w", c.Code, directory.ErrConflict)
	}
	c.Version++
	t.codes[c.Code] = c.Clone()
	return nil
}

func (t *tx) CreateUser(ctx context.Context, u *directory.User) error {
	if _, err := t.GetUserByEmail(ctx, u.Email); err == nil {
		return fmt.Errorf("creating user %s: %w", u.Email, directory.ErrDuplicate)
	}
	now := t.s.now()
	u.CreatedAt = now
	u.UpdatedAt = now
	t.users[u.ID] = u.Clone()
	t.newUsers[u.ID] = true
	return nil
}

func (t *tx) UpdateUser(ctx context.Context, u *directory.User) error {
	if _, err := t.GetUser(ctx, u.ID); err != nil {
		return fmt.Errorf("updating user %s: %w", u.ID, err)
	}
	u.UpdatedAt = t.s.now()
	t.users[u.ID] = u.Clone()
	return nil
}

func (t *tx) AddClubAdmin(ctx context.Context, clubID, userID string) error {
	c, err := t.GetClub(ctx, clubID)
	if err != nil {
		return fmt.Errorf("adding club admin: %w", err)
	}
	if slices.Contains(c.AdminIDs, userID) {
		return nil
	}
	c.AdminIDs = append(c.AdminIDs, userID)
	c.UpdatedAt = t.s.now()
	t.clubs[clubID] = c
	return nil
}

func (t *tx) CreateClub(ctx context.Context, c *directory.Club) error {
	if _, err := t.GetClub(ctx, c.ID); err == nil {
		return fmt.Errorf("creating club %s: %w", c.ID, directory.ErrDuplicate)
	}
	now := t.s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	t.clubs[c.ID] = cloneClub(c)
	return nil
}

func (t *tx) PutSubscription(_ context.Context, sub *directory.Subscription) error {
	sub.UpdatedAt = t.s.now()
	cp := *sub
	t.subs[sub.ID] = &cp
	return nil
}
