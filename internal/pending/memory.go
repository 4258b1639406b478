package pending

import (
	"context"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps records in an expiring in-process cache. Records do not
// survive a restart and are not shared between replicas.
type MemoryStore struct {
	c   *gocache.Cache
	ttl time.Duration
	now func() time.Time
}

// NewMemory creates a MemoryStore whose records live for ttl.
func NewMemory(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		c:   gocache.New(ttl, time.Minute),
		ttl: ttl,
		now: time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, a identity.Assertion) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := m.now()
	rec := Record{Assertion: a, CreatedAt: now, ExpiresAt: now.Add(m.ttl)}
	m.c.Set(token, rec, m.ttl)
	return token, nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (*Record, error) {
	v, ok := m.c.Get(token)
	if !ok {
		return nil, ErrNotFound
	}
	rec := v.(Record)
	return &rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.c.Delete(token)
	return nil
}
