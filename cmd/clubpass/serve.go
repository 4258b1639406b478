package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alecgard/clubpass/internal/api"
	"github.com/alecgard/clubpass/internal/auth"
	"github.com/alecgard/clubpass/internal/config"
	"github.com/alecgard/clubpass/internal/events"
	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alecgard/clubpass/internal/identity/oidc"
	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/metrics"
	"github.com/alecgard/clubpass/internal/pending"
	"github.com/alecgard/clubpass/internal/provision"
	"github.com/alecgard/clubpass/internal/quota"
	"github.com/alecgard/clubpass/internal/ratelimit"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = time.Hour
	amqpConnectRetries     = 5
	amqpConnectDelay       = 2 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the clubpass provisioning server",
	RunE:  runServe,
}

var serveSeed bool

func init() {
	serveCmd.Flags().BoolVar(&serveSeed, "seed", false, "seed demo data before serving (useful with the memory store)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if serveSeed {
		password, err := seedDemo(ctx, b.dir, b.ids, seedAdminEmail)
		if err != nil {
			return err
		}
		if password != "" {
			fmt.Fprintf(os.Stderr, "demo super admin %s password: %s\n", seedAdminEmail, password)
		}
	}

	m := metrics.New()
	if b.pool != nil {
		pool := b.pool
		m.RegisterDBPoolCollector(func() metrics.PoolStats {
			s := pool.Stat()
			return metrics.PoolStats{
				Total:    s.TotalConns(),
				Idle:     s.IdleConns(),
				Acquired: s.AcquiredConns(),
				Max:      s.MaxConns(),
			}
		})
	}

	pend, err := pending.New(ctx, pending.Config{
		Driver:   cfg.Pending.Driver,
		TTL:      cfg.Pending.TTL,
		Addr:     cfg.Pending.RedisAddr,
		Password: cfg.Pending.RedisPassword,
		DB:       cfg.Pending.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("opening pending store: %w", err)
	}
	if c, ok := pend.(interface{ Close() error }); ok {
		defer c.Close()
	}

	sink, closeSink, err := openEventSink(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	buf := events.NewBuffer(sink, cfg.Events.BatchSize, cfg.Events.FlushInterval, logger)
	m.RegisterEventQueue(buf.Pending)

	var verifier identity.Verifier
	if cfg.OIDC.Enabled() {
		v, err := oidc.NewVerifier(ctx, oidc.Config{
			Issuer:   cfg.OIDC.Issuer,
			Audience: cfg.OIDC.Audience,
			JWKSURL:  cfg.OIDC.JWKSURL,
			Provider: cfg.OIDC.Provider,
		})
		if err != nil {
			return fmt.Errorf("creating assertion verifier: %w", err)
		}
		verifier = v
		slog.Info("identity provider sign-in enabled", "issuer", cfg.OIDC.Issuer)
	}

	q := quota.New()
	led := ledger.New(b.dir, q, logger)
	svc := provision.New(provision.Deps{
		Directory: b.dir,
		Identity:  b.ids,
		Verifier:  verifier,
		Pending:   pend,
		Ledger:    led,
		Gate:      provision.NewGate(q),
		Events:    buf,
		Recorder:  m,
		Logger:    logger,
	})

	router := api.NewRouter(api.RouterDeps{
		Service:        svc,
		Ledger:         led,
		Quota:          q,
		Directory:      b.dir,
		Sessions:       auth.NewSessions(b.ids, b.dir),
		Limiter:        ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window),
		Metrics:        m,
		DB:             pinger(b),
		Logger:         logger,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustProxy:     cfg.Server.TrustProxy,
		RequestTimeout: cfg.Provisioning.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stopped after the server drains so late events still flush.
		buf.Run(context.Background())
		return nil
	})
	if cleaner, ok := b.ids.(sessionCleaner); ok {
		g.Go(func() error {
			cleanSessions(gctx, cleaner)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Addr(), "store", cfg.Store.Driver, "pending", cfg.Pending.Driver, "events", cfg.Events.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		buf.Stop()
		return err
	})

	return g.Wait()
}

// openEventSink returns the batch publisher behind the event buffer and a
// func releasing its connection.
func openEventSink(cfg config.EventsConfig, logger *slog.Logger) (events.BatchPublisher, func(), error) {
	if cfg.Driver != "amqp" {
		return events.NewLogPublisher(logger), func() {}, nil
	}

	conn, err := events.Connect(cfg.AMQPURL, amqpConnectRetries, amqpConnectDelay)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to broker: %w", err)
	}
	pub, err := events.NewAMQPPublisher(conn, cfg.Exchange)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("opening event channel: %w", err)
	}
	slog.Info("publishing events", "exchange", cfg.Exchange)
	return pub, func() {
		if err := pub.Close(); err != nil {
			slog.Warn("closing event publisher", "error", err)
		}
	}, nil
}

type sessionCleaner interface {
	CleanExpiredSessions(ctx context.Context) (int64, error)
}

func cleanSessions(ctx context.Context, c sessionCleaner) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.CleanExpiredSessions(ctx)
			if err != nil {
				slog.Warn("cleaning expired sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("cleaned expired sessions", "count", n)
			}
		}
	}
}

// pinger returns nil for the memory backend so /health reports no database.
func pinger(b *backend) api.Pinger {
	if b.pool == nil {
		return nil
	}
	return b.pool
}
