package pending

import (
	"context"
	"testing"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = identity.Assertion{
	Provider:      "google.com",
	Subject:       "g-123",
	Email:         "newcoach@example.com",
	EmailVerified: true,
}

func setupRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, "", time.Minute), mr
}

func exercise(t *testing.T, s Store) {
	ctx := context.Background()

	token, err := s.Put(ctx, sample)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := s.Put(ctx, sample)
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "tokens must be unique per record")

	rec, err := s.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, sample, rec.Assertion)
	assert.True(t, rec.ExpiresAt.After(rec.CreatedAt))

	// Get does not consume.
	_, err = s.Get(ctx, token)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, token))
	_, err = s.Get(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, token), "deleting twice is fine")

	_, err = s.Get(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory(time.Minute))
}

func TestRedisStore(t *testing.T) {
	s, _ := setupRedis(t)
	exercise(t, s)
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := setupRedis(t)
	ctx := context.Background()

	token, err := s.Put(ctx, sample)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = s.Get(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemory(20 * time.Millisecond)
	token, err := s.Put(context.Background(), sample)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = s.Get(context.Background(), token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "memcached"})
	assert.Error(t, err)
}
