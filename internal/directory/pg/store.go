// Package pg is the Postgres-backed directory.Store.
package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides directory operations backed by a connection pool.
// Transactions run at SERIALIZABLE isolation; serialization failures and
// stale referral code versions are retried.
type Store struct {
	reader
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewStore creates a new directory store. maxAttempts bounds transaction
// retries; zero means directory.DefaultMaxAttempts.
func NewStore(pool *pgxpool.Pool, maxAttempts int) *Store {
	return &Store{reader: reader{q: pool}, pool: pool, maxAttempts: maxAttempts}
}

// RunTransaction runs fn in a serializable transaction.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx directory.Tx) error) error {
	return directory.Retry(ctx, s.maxAttempts, func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &txn{reader: reader{q: tx}, q: tx}); err != nil {
			return classify(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify(fmt.Errorf("committing transaction: %w", err))
		}
		return nil
	})
}

// ListOrphanedUsers returns users without a club, oldest first.
func (s *Store) ListOrphanedUsers(ctx context.Context) ([]directory.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE club_id IS NULL AND role <> $1
		 ORDER BY created_at`, string(role.SuperAdmin))
	if err != nil {
		return nil, fmt.Errorf("listing orphaned users: %w", err)
	}
	defer rows.Close()

	var out []directory.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// classify maps Postgres errors onto the directory sentinels. Errors that are
// not from Postgres pass through untouched.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", directory.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %w", directory.ErrConflict, err)
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %w", directory.ErrDuplicate, err)
	}
	return err
}

func roleStrings(roles []role.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
