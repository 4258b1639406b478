// Package pg is the Postgres-backed identity.Store.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Store provides credential, provider link and session operations.
type Store struct {
	pool       *pgxpool.Pool
	sessionTTL time.Duration
}

// NewStore creates a new identity store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, sessionTTL time.Duration) *Store {
	if sessionTTL <= 0 {
		sessionTTL = identity.DefaultSessionTTL
	}
	return &Store{pool: pool, sessionTTL: sessionTTL}
}

const identitySelect = `SELECT i.uid, i.email, i.email_verified, i.created_at,
	COALESCE(array_agg(p.provider ORDER BY p.provider) FILTER (WHERE p.provider IS NOT NULL), '{}')
	|| CASE WHEN i.password_hash IS NOT NULL THEN ARRAY['password'] ELSE '{}'::text[] END
	FROM identities i LEFT JOIN identity_providers p ON p.uid = i.uid`

func scanIdentity(row pgx.Row) (*identity.Identity, error) {
	id := &identity.Identity{}
	if err := row.Scan(&id.UID, &id.Email, &id.EmailVerified, &id.CreatedAt, &id.Providers); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, err
	}
	return id, nil
}

func (s *Store) get(ctx context.Context, where string, arg any) (*identity.Identity, error) {
	return scanIdentity(s.pool.QueryRow(ctx,
		identitySelect+` WHERE `+where+` GROUP BY i.uid`, arg))
}

func (s *Store) Lookup(ctx context.Context, email string) (*identity.Identity, error) {
	id, err := s.get(ctx, `i.email = $1`, identity.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}
	return id, nil
}

// CreateCredential inserts a new identity with a bcrypt-hashed password.
func (s *Store) CreateCredential(ctx context.Context, email, password string) (*identity.Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	id := &identity.Identity{
		UID:       uuid.NewString(),
		Email:     identity.NormalizeEmail(email),
		Providers: []string{identity.ProviderPassword},
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO identities (uid, email, password_hash) VALUES ($1, $2, $3)
		 RETURNING created_at`,
		id.UID, id.Email, string(hash),
	).Scan(&id.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", mapUnique(err, identity.ErrExists))
	}
	return id, nil
}

func (s *Store) CreateFromAssertion(ctx context.Context, a identity.Assertion) (*identity.Identity, error) {
	id := &identity.Identity{
		UID:           uuid.NewString(),
		Email:         identity.NormalizeEmail(a.Email),
		Providers:     []string{a.Provider},
		EmailVerified: a.EmailVerified,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO identities (uid, email, email_verified) VALUES ($1, $2, $3)
		 RETURNING created_at`,
		id.UID, id.Email, id.EmailVerified,
	).Scan(&id.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating credential from assertion: %w", mapUnique(err, identity.ErrExists))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO identity_providers (provider, subject, uid) VALUES ($1, $2, $3)`,
		a.Provider, a.Subject, id.UID,
	); err != nil {
		return nil, fmt.Errorf("linking provider: %w", mapUnique(err, identity.ErrProviderLinked))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing credential: %w", err)
	}
	return id, nil
}

// SignIn verifies a plaintext password against the stored hash.
func (s *Store) SignIn(ctx context.Context, email, password string) (*identity.Identity, error) {
	var hash *string
	var uid string
	err := s.pool.QueryRow(ctx,
		`SELECT uid, password_hash FROM identities WHERE email = $1`,
		identity.NormalizeEmail(email),
	).Scan(&uid, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	if hash == nil || bcrypt.CompareHashAndPassword([]byte(*hash), []byte(password)) != nil {
		return nil, identity.ErrInvalidCredentials
	}
	return s.get(ctx, `i.uid = $1`, uid)
}

func (s *Store) SignInWithAssertion(ctx context.Context, a identity.Assertion) (*identity.Identity, error) {
	var uid string
	err := s.pool.QueryRow(ctx,
		`SELECT uid FROM identity_providers WHERE provider = $1 AND subject = $2`,
		a.Provider, a.Subject,
	).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving provider link: %w", err)
	}
	return s.get(ctx, `i.uid = $1`, uid)
}

func (s *Store) LinkProvider(ctx context.Context, uid string, a identity.Assertion) (*identity.Identity, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO identity_providers (provider, subject, uid) VALUES ($1, $2, $3)
		 ON CONFLICT (provider, subject) DO NOTHING`,
		a.Provider, a.Subject, uid)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("linking provider: %w", mapUnique(err, identity.ErrProviderLinked))
	}
	if tag.RowsAffected() == 0 {
		linked, err := s.SignInWithAssertion(ctx, a)
		if err != nil {
			return nil, err
		}
		if linked.UID != uid {
			return nil, identity.ErrProviderLinked
		}
	}
	if a.EmailVerified {
		if _, err := s.pool.Exec(ctx,
			`UPDATE identities SET email_verified = TRUE WHERE uid = $1`, uid); err != nil {
			return nil, fmt.Errorf("marking email verified: %w", err)
		}
	}
	return s.get(ctx, `i.uid = $1`, uid)
}

func (s *Store) ListProvidersForEmail(ctx context.Context, email string) ([]string, error) {
	id, err := s.Lookup(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return id.Providers, nil
}

// IssueSession creates a session and returns the opaque plaintext token.
func (s *Store) IssueSession(ctx context.Context, uid string) (string, error) {
	plaintext, hash, err := identity.NewSessionToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, uid, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		hash, uid, now, now.Add(s.sessionTTL),
	); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return plaintext, nil
}

// LookupSession returns the identity behind an unexpired session token.
func (s *Store) LookupSession(ctx context.Context, token string) (*identity.Identity, error) {
	var uid string
	err := s.pool.QueryRow(ctx,
		`SELECT uid FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		identity.HashToken(token),
	).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return s.get(ctx, `i.uid = $1`, uid)
}

func (s *Store) Invalidate(ctx context.Context, uid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE uid = $1`, uid); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	return nil
}

// Delete removes the credential. Provider links and sessions cascade.
func (s *Store) Delete(ctx context.Context, uid string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// CleanExpiredSessions deletes all sessions that have expired.
func (s *Store) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func mapUnique(err error, sentinel error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return sentinel
	}
	return err
}
