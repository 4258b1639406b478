package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/clubpass/internal/config"
	"github.com/alecgard/clubpass/internal/directory"
	dirmem "github.com/alecgard/clubpass/internal/directory/memory"
	dirpg "github.com/alecgard/clubpass/internal/directory/pg"
	"github.com/alecgard/clubpass/internal/identity"
	idmem "github.com/alecgard/clubpass/internal/identity/memory"
	idpg "github.com/alecgard/clubpass/internal/identity/pg"
)

// backend is the directory and credential store pair for the configured
// driver. With postgres both share one pool.
type backend struct {
	dir  directory.Store
	ids  identity.Store
	pool *pgxpool.Pool
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Store.Driver == "memory" {
		slog.Warn("using in-memory stores; data is lost on exit")
		return &backend{
			dir: dirmem.New(dirmem.WithMaxAttempts(cfg.Provisioning.MaxRedeemAttempts)),
			ids: idmem.New(idmem.WithSessionTTL(cfg.Provisioning.SessionTTL)),
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	slog.Info("connected to database", "database", redactURL(cfg.Database.URL))

	return &backend{
		dir:  dirpg.NewStore(pool, cfg.Provisioning.MaxRedeemAttempts),
		ids:  idpg.NewStore(pool, cfg.Provisioning.SessionTTL),
		pool: pool,
	}, nil
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

// redactURL hides the password in a database URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid url"
	}
	return u.Redacted()
}
