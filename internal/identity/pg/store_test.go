package pg

import (
	"context"
	"testing"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alecgard/clubpass/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("clubpass"),
		postgres.WithUsername("clubpass"),
		postgres.WithPassword("clubpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

var googleAssertion = identity.Assertion{
	Provider: "google.com", Subject: "g-123", Email: "Coach@Example.com", EmailVerified: true,
}

// ---- Credentials ----

func TestPasswordCredential(t *testing.T) {
	s := NewStore(setupPool(t), time.Hour)
	ctx := context.Background()

	id, err := s.CreateCredential(ctx, " Coach@Example.com ", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, "coach@example.com", id.Email)

	_, err = s.CreateCredential(ctx, "coach@example.com", "other-pass")
	assert.ErrorIs(t, err, identity.ErrExists)

	got, err := s.SignIn(ctx, "COACH@example.com", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, id.UID, got.UID)
	assert.Equal(t, []string{identity.ProviderPassword}, got.Providers)

	_, err = s.SignIn(ctx, "coach@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = s.SignIn(ctx, "nobody@example.com", "s3cret-pass")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = s.Lookup(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestAssertionCredentialAndLinking(t *testing.T) {
	s := NewStore(setupPool(t), time.Hour)
	ctx := context.Background()

	id, err := s.CreateFromAssertion(ctx, googleAssertion)
	require.NoError(t, err)
	assert.True(t, id.EmailVerified)

	got, err := s.SignInWithAssertion(ctx, googleAssertion)
	require.NoError(t, err)
	assert.Equal(t, id.UID, got.UID)

	// An assertion-only credential has no password to sign in with.
	_, err = s.SignIn(ctx, "coach@example.com", "anything")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = s.SignInWithAssertion(ctx, identity.Assertion{Provider: "apple.com", Subject: "a-1"})
	assert.ErrorIs(t, err, identity.ErrNotFound)

	other, err := s.CreateCredential(ctx, "other@example.com", "pw-123456")
	require.NoError(t, err)

	linked, err := s.LinkProvider(ctx, other.UID, identity.Assertion{
		Provider: "apple.com", Subject: "a-1", Email: "other@example.com", EmailVerified: true,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"apple.com", identity.ProviderPassword}, linked.Providers)
	assert.True(t, linked.EmailVerified)

	// Relinking the same subject to the same uid is a no-op.
	_, err = s.LinkProvider(ctx, other.UID, identity.Assertion{Provider: "apple.com", Subject: "a-1"})
	require.NoError(t, err)

	_, err = s.LinkProvider(ctx, other.UID, googleAssertion)
	assert.ErrorIs(t, err, identity.ErrProviderLinked)

	_, err = s.LinkProvider(ctx, "missing-uid", identity.Assertion{Provider: "x", Subject: "y"})
	assert.ErrorIs(t, err, identity.ErrNotFound)

	providers, err := s.ListProvidersForEmail(ctx, "other@example.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"apple.com", identity.ProviderPassword}, providers)

	providers, err = s.ListProvidersForEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestDeleteCascades(t *testing.T) {
	s := NewStore(setupPool(t), time.Hour)
	ctx := context.Background()

	id, err := s.CreateFromAssertion(ctx, googleAssertion)
	require.NoError(t, err)
	token, err := s.IssueSession(ctx, id.UID)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id.UID))
	assert.ErrorIs(t, s.Delete(ctx, id.UID), identity.ErrNotFound)

	_, err = s.LookupSession(ctx, token)
	assert.ErrorIs(t, err, identity.ErrNotFound)
	_, err = s.SignInWithAssertion(ctx, googleAssertion)
	assert.ErrorIs(t, err, identity.ErrNotFound)

	// The subject is free again for a fresh credential.
	_, err = s.CreateFromAssertion(ctx, googleAssertion)
	require.NoError(t, err)
}

// ---- Sessions ----

func TestSessions(t *testing.T) {
	s := NewStore(setupPool(t), time.Hour)
	ctx := context.Background()

	id, err := s.CreateCredential(ctx, "coach@example.com", "s3cret-pass")
	require.NoError(t, err)

	first, err := s.IssueSession(ctx, id.UID)
	require.NoError(t, err)
	second, err := s.IssueSession(ctx, id.UID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := s.LookupSession(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, id.UID, got.UID)

	_, err = s.LookupSession(ctx, "not-a-token")
	assert.ErrorIs(t, err, identity.ErrNotFound)

	require.NoError(t, s.Invalidate(ctx, id.UID))
	for _, token := range []string{first, second} {
		_, err = s.LookupSession(ctx, token)
		assert.ErrorIs(t, err, identity.ErrNotFound)
	}
}

func TestExpiredSessions(t *testing.T) {
	s := NewStore(setupPool(t), 10*time.Millisecond)
	ctx := context.Background()

	id, err := s.CreateCredential(ctx, "coach@example.com", "s3cret-pass")
	require.NoError(t, err)
	token, err := s.IssueSession(ctx, id.UID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = s.LookupSession(ctx, token)
	assert.ErrorIs(t, err, identity.ErrNotFound)

	n, err := s.CleanExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
