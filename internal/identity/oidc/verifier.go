// Package oidc verifies third-party identity assertions delivered as signed
// ID tokens, resolving signing keys from the provider's JWKS endpoint.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/alecgard/clubpass/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("oidc: invalid assertion token")

// Config describes the trusted issuer.
type Config struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// Provider is recorded on assertions whose token carries no provider
	// claim, e.g. "google.com".
	Provider string
}

type claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	jwt.RegisteredClaims
}

// Verifier validates ID tokens against a fixed issuer and audience.
type Verifier struct {
	provider string
	keyfunc  jwt.Keyfunc
	parser   *jwt.Parser
}

// NewVerifier fetches the JWKS in the background and keeps it refreshed
// until ctx is cancelled.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("oidc: jwks url must be set")
	}
	k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("initialising jwks keyfunc: %w", err)
	}
	return NewWithKeyfunc(cfg, k.Keyfunc)
}

// NewWithKeyfunc builds a verifier around an existing key lookup.
func NewWithKeyfunc(cfg Config, kf jwt.Keyfunc) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("oidc: issuer and audience must be set")
	}
	provider := cfg.Provider
	if provider == "" {
		provider = providerFromIssuer(cfg.Issuer)
	}
	return &Verifier{
		provider: provider,
		keyfunc:  kf,
		parser: jwt.NewParser(
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(defaultLeeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{
				jwt.SigningMethodRS256.Name,
				jwt.SigningMethodRS384.Name,
				jwt.SigningMethodRS512.Name,
			}),
		),
	}, nil
}

// Verify parses and validates token and returns the assertion it carries.
func (v *Verifier) Verify(_ context.Context, token string) (identity.Assertion, error) {
	var c claims
	parsed, err := v.parser.ParseWithClaims(token, &c, v.keyfunc)
	if err != nil {
		return identity.Assertion{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return identity.Assertion{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return identity.Assertion{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if c.Email == "" {
		return identity.Assertion{}, fmt.Errorf("%w: missing email", ErrInvalidToken)
	}

	a := identity.Assertion{
		Provider:      c.Provider,
		Subject:       c.Subject,
		Email:         identity.NormalizeEmail(c.Email),
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
	}
	if a.Provider == "" {
		a.Provider = v.provider
	}
	if c.IssuedAt != nil {
		a.IssuedAt = c.IssuedAt.Time
	}
	return a, nil
}

// providerFromIssuer derives a provider id from the issuer host, e.g.
// https://accounts.google.com becomes google.com.
func providerFromIssuer(issuer string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(issuer, "https://"), "http://")
	host = strings.TrimSuffix(strings.SplitN(host, "/", 2)[0], ".")
	parts := strings.Split(host, ".")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, ".")
}
