package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/clubpass/internal/auth"
	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/metrics"
	"github.com/alecgard/clubpass/internal/provision"
	"github.com/alecgard/clubpass/internal/quota"
	"github.com/alecgard/clubpass/internal/ratelimit"
)

// RouterDeps holds all dependencies for the API router. Metrics, DB, Limiter
// and Logger are optional.
type RouterDeps struct {
	Service   *provision.Service
	Ledger    *ledger.Ledger
	Quota     *quota.Evaluator
	Directory directory.Store
	Sessions  auth.SessionLookup
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	DB        Pinger
	Logger    *slog.Logger

	AllowedOrigins []string
	// TrustProxy takes the client IP from X-Forwarded-For/X-Real-IP.
	TrustProxy bool
	// RequestTimeout bounds each provisioning request.
	RequestTimeout time.Duration
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Quota == nil {
		deps.Quota = quota.New()
	}

	var (
		httpObs     HTTPObserver
		authObs     auth.Observer
		codeCounter CodeCounter
		onReject    []func()
	)
	if deps.Metrics != nil {
		httpObs, authObs, codeCounter = deps.Metrics, deps.Metrics, deps.Metrics
		onReject = append(onReject, func() { deps.Metrics.IncRateLimitRejection("ip") })
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestLogger(logger, httpObs))

	validate := newValidator()
	signup := newSignupHandler(deps.Service, deps.Ledger, validate)
	codes := newCodesHandler(deps.Ledger, deps.Quota, deps.Directory, codeCounter, validate)
	admin := newAdminHandler(deps.Directory)

	r.Get("/health", healthHandler(deps.DB))
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Public provisioning routes, rate limited per client IP.
	r.Group(func(pr chi.Router) {
		pr.Use(ratelimit.Middleware(deps.Limiter, onReject...))
		if deps.RequestTimeout > 0 {
			pr.Use(chimw.Timeout(deps.RequestTimeout))
		}

		pr.Post("/signup", signup.Signup)
		pr.Post("/oauth/signin", signup.SignInWithAssertion)
		pr.Get("/referral-codes/{code}", signup.CheckCode)
	})

	// Session-authenticated routes.
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.SessionMiddleware(deps.Sessions, authObs))

		ar.Get("/me", Me)

		ar.Route("/clubs/{clubID}", func(cr chi.Router) {
			cr.Use(auth.RequireClubAdmin)

			cr.Post("/referral-codes", codes.IssueCode)
			cr.Get("/referral-codes", codes.ListCodes)
			cr.Delete("/referral-codes/{code}", codes.DeactivateCode)
			cr.Get("/capacity", codes.Capacity)
		})

		ar.Route("/admin", func(sr chi.Router) {
			sr.Use(auth.RequireSuperAdmin)

			sr.Get("/orphans", admin.ListOrphans)
			if deps.Metrics != nil {
				sr.Get("/metrics", deps.Metrics.Handler())
			}
		})
	})

	return r
}
