// Package memory is an in-process directory.Store. Transactions are
// optimistic: every key a transaction reads is versioned, and the commit is
// rejected with directory.ErrConflict if any of them moved underneath it.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
)

// Store holds the directory in maps guarded by a single mutex. The mutex is
// only held for individual reads and for commit validation, never across a
// transaction function.
type Store struct {
	mu       sync.Mutex
	users    map[string]*directory.User
	emails   map[string]string
	codes    map[string]*directory.ReferralCode
	clubs    map[string]*directory.Club
	subs     map[string]*directory.Subscription
	versions map[string]int64

	maxAttempts int
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts sets how often a conflicting transaction is re-run.
func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		users:       make(map[string]*directory.User),
		emails:      make(map[string]string),
		codes:       make(map[string]*directory.ReferralCode),
		clubs:       make(map[string]*directory.Club),
		subs:        make(map[string]*directory.Subscription),
		versions:    make(map[string]int64),
		maxAttempts: directory.DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func userKey(id string) string        { return "user:" + id }
func emailKey(email string) string    { return "email:" + email }
func codeKey(code string) string      { return "code:" + code }
func clubKey(id string) string        { return "club:" + id }
func membersKey(clubID string) string { return "members:" + clubID }
func clubCodesKey(clubID string) string {
	return "codes:" + clubID
}
func subsKey(clubID string) string { return "subs:" + clubID }

// ---- committed reads ----

func (s *Store) GetUser(_ context.Context, id string) (*directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *Store) GetReferralCode(_ context.Context, code string) (*directory.ReferralCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) GetClub(_ context.Context, id string) (*directory.Club, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clubs[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return cloneClub(c), nil
}

func (s *Store) ListSubscriptions(_ context.Context, clubID string) ([]directory.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionsLocked(clubID, nil), nil
}

func (s *Store) CountUsers(_ context.Context, clubID string, roles []role.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(clubID, roles, nil), nil
}

func (s *Store) ListReferralCodes(_ context.Context, clubID string) ([]directory.ReferralCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clubCodesLocked(clubID, nil), nil
}

// ListOrphanedUsers returns users without a club, oldest first.
func (s *Store) ListOrphanedUsers(_ context.Context) ([]directory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []directory.User
	for _, u := range s.users {
		if u.Orphaned() {
			out = append(out, *u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RunTransaction runs fn against a fresh transaction and commits it,
// re-running on conflict.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx directory.Tx) error) error {
	return directory.Retry(ctx, s.maxAttempts, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := newTx(s)
		if err := fn(ctx, t); err != nil {
			return err
		}
		return s.commit(t)
	})
}

// The *Locked helpers merge committed state with a transaction's staged
// writes; t may be nil.

func (s *Store) countLocked(clubID string, roles []role.Role, t *tx) int {
	n := 0
	for id, u := range s.users {
		if t != nil {
			if _, staged := t.users[id]; staged {
				continue
			}
		}
		if u.ClubID == clubID && slices.Contains(roles, u.Role) {
			n++
		}
	}
	if t != nil {
		for _, u := range t.users {
			if u.ClubID == clubID && slices.Contains(roles, u.Role) {
				n++
			}
		}
	}
	return n
}

func (s *Store) clubCodesLocked(clubID string, t *tx) []directory.ReferralCode {
	var out []directory.ReferralCode
	for code, c := range s.codes {
		if t != nil {
			if _, staged := t.codes[code]; staged {
				continue
			}
		}
		if c.ClubID == clubID {
			out = append(out, *c.Clone())
		}
	}
	if t != nil {
		for _, c := range t.codes {
			if c.ClubID == clubID {
				out = append(out, *c.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *Store) subscriptionsLocked(clubID string, t *tx) []directory.Subscription {
	var out []directory.Subscription
	for id, sub := range s.subs {
		if t != nil {
			if _, staged := t.subs[id]; staged {
				continue
			}
		}
		if sub.ClubID == clubID {
			out = append(out, *sub)
		}
	}
	if t != nil {
		for _, sub := range t.subs {
			if sub.ClubID == clubID {
				out = append(out, *sub)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// commit validates the transaction's read set and expected code versions,
// then applies its writes.
func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range t.reads {
		if s.versions[key] != seen {
			return fmt.Errorf("key %s moved: %w", key, directory.ErrConflict)
		}
	}
	for code, expected := range t.codeExpect {
		cur, ok := s.codes[code]
		if !ok || cur.Version != expected {
			return fmt.Errorf("referral code %s: %w", code, directory.ErrConflict)
		}
	}
	for id := range t.newUsers {
		if _, taken := s.emails[t.users[id].Email]; taken {
			return fmt.Errorf("email %s: %w", t.users[id].Email, directory.ErrConflict)
		}
	}
	for code := range t.newCodes {
		if _, taken := s.codes[code]; taken {
			return fmt.Errorf("referral code %s: %w", code, directory.ErrConflict)
		}
	}

	for id, u := range t.users {
		if prev, ok := s.users[id]; ok {
			if prev.Email != u.Email {
				delete(s.emails, prev.Email)
				s.versions[emailKey(prev.Email)]++
			}
			if prev.ClubID != u.ClubID {
				s.versions[membersKey(prev.ClubID)]++
			}
		}
		s.users[id] = u.Clone()
		s.emails[u.Email] = id
		s.versions[userKey(id)]++
		s.versions[emailKey(u.Email)]++
		s.versions[membersKey(u.ClubID)]++
	}
	for code, c := range t.codes {
		s.codes[code] = c.Clone()
		s.versions[codeKey(code)]++
		s.versions[clubCodesKey(c.ClubID)]++
	}
	for id, c := range t.clubs {
		s.clubs[id] = cloneClub(c)
		s.versions[clubKey(id)]++
	}
	for id, sub := range t.subs {
		cp := *sub
		s.subs[id] = &cp
		s.versions[subsKey(sub.ClubID)]++
	}
	return nil
}

func cloneClub(c *directory.Club) *directory.Club {
	cp := *c
	cp.AdminIDs = slices.Clone(c.AdminIDs)
	return &cp
}
