// Package memory is an in-process identity.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type credential struct {
	identity.Identity
	passwordHash []byte
}

type session struct {
	uid       string
	expiresAt time.Time
}

// Store keeps credentials, provider links and sessions in maps.
type Store struct {
	mu       sync.Mutex
	byUID    map[string]*credential
	byEmail  map[string]string
	links    map[string]string // provider|subject -> uid
	sessions map[string]session

	cost       int
	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithSessionTTL sets how long issued sessions stay valid.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Store) { s.sessionTTL = ttl }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		byUID:      make(map[string]*credential),
		byEmail:    make(map[string]string),
		links:      make(map[string]string),
		sessions:   make(map[string]session),
		cost:       bcrypt.DefaultCost,
		sessionTTL: identity.DefaultSessionTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func linkKey(provider, subject string) string { return provider + "|" + subject }

func (c *credential) snapshot() *identity.Identity {
	id := c.Identity
	id.Providers = slices.Clone(c.Providers)
	return &id
}

func (s *Store) Lookup(_ context.Context, email string) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byEmail[identity.NormalizeEmail(email)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return s.byUID[uid].snapshot(), nil
}

func (s *Store) CreateCredential(_ context.Context, email, password string) (*identity.Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	email = identity.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return nil, identity.ErrExists
	}
	c := &credential{
		Identity: identity.Identity{
			UID:       uuid.NewString(),
			Email:     email,
			Providers: []string{identity.ProviderPassword},
			CreatedAt: s.now(),
		},
		passwordHash: hash,
	}
	s.byUID[c.UID] = c
	s.byEmail[email] = c.UID
	return c.snapshot(), nil
}

func (s *Store) CreateFromAssertion(_ context.Context, a identity.Assertion) (*identity.Identity, error) {
	email := identity.NormalizeEmail(a.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return nil, identity.ErrExists
	}
	if _, linked := s.links[linkKey(a.Provider, a.Subject)]; linked {
		return nil, identity.ErrProviderLinked
	}
	c := &credential{Identity: identity.Identity{
		UID:           uuid.NewString(),
		Email:         email,
		Providers:     []string{a.Provider},
		EmailVerified: a.EmailVerified,
		CreatedAt:     s.now(),
	}}
	s.byUID[c.UID] = c
	s.byEmail[email] = c.UID
	s.links[linkKey(a.Provider, a.Subject)] = c.UID
	return c.snapshot(), nil
}

func (s *Store) SignIn(_ context.Context, email, password string) (*identity.Identity, error) {
	s.mu.Lock()
	uid, ok := s.byEmail[identity.NormalizeEmail(email)]
	var c *credential
	if ok {
		c = s.byUID[uid]
	}
	s.mu.Unlock()

	if c == nil || c.passwordHash == nil {
		return nil, identity.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(c.passwordHash, []byte(password)) != nil {
		return nil, identity.ErrInvalidCredentials
	}
	return c.snapshot(), nil
}

func (s *Store) SignInWithAssertion(_ context.Context, a identity.Assertion) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.links[linkKey(a.Provider, a.Subject)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return s.byUID[uid].snapshot(), nil
}

func (s *Store) LinkProvider(_ context.Context, uid string, a identity.Assertion) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byUID[uid]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if owner, linked := s.links[linkKey(a.Provider, a.Subject)]; linked && owner != uid {
		return nil, identity.ErrProviderLinked
	}
	s.links[linkKey(a.Provider, a.Subject)] = uid
	if !slices.Contains(c.Providers, a.Provider) {
		c.Providers = append(c.Providers, a.Provider)
		slices.Sort(c.Providers)
	}
	if a.EmailVerified {
		c.EmailVerified = true
	}
	return c.snapshot(), nil
}

func (s *Store) ListProvidersForEmail(_ context.Context, email string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byEmail[identity.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return slices.Clone(s.byUID[uid].Providers), nil
}

func (s *Store) IssueSession(_ context.Context, uid string) (string, error) {
	plaintext, hash, err := identity.NewSessionToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUID[uid]; !ok {
		return "", identity.ErrNotFound
	}
	s.sessions[hash] = session{uid: uid, expiresAt: s.now().Add(s.sessionTTL)}
	return plaintext, nil
}

func (s *Store) LookupSession(_ context.Context, token string) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity.HashToken(token)]
	if !ok || !sess.expiresAt.After(s.now()) {
		return nil, identity.ErrNotFound
	}
	c, ok := s.byUID[sess.uid]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return c.snapshot(), nil
}

func (s *Store) Invalidate(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, sess := range s.sessions {
		if sess.uid == uid {
			delete(s.sessions, hash)
		}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byUID[uid]
	if !ok {
		return identity.ErrNotFound
	}
	delete(s.byUID, uid)
	delete(s.byEmail, c.Email)
	for key, owner := range s.links {
		if owner == uid {
			delete(s.links, key)
		}
	}
	for hash, sess := range s.sessions {
		if sess.uid == uid {
			delete(s.sessions, hash)
		}
	}
	return nil
}
