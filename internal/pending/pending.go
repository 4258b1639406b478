// Package pending holds verified identity assertions that are waiting for
// the caller to supply a referral code. Each record lives server-side under
// an opaque token and expires on its own if the flow is abandoned.
package pending

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
)

// DefaultTTL is how long an assertion waits for its referral code.
const DefaultTTL = 15 * time.Minute

// ErrNotFound is returned for unknown, consumed or expired tokens.
var ErrNotFound = errors.New("pending: assertion not found or expired")

// Record is a stored assertion.
type Record struct {
	Assertion identity.Assertion `json:"assertion"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Store persists pending assertions.
type Store interface {
	// Put stores a and returns the token that retrieves it.
	Put(ctx context.Context, a identity.Assertion) (string, error)
	// Get returns the record without consuming it.
	Get(ctx context.Context, token string) (*Record, error)
	// Delete consumes the record. Deleting a missing token is not an error.
	Delete(ctx context.Context, token string) error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string // "memory" | "redis"
	TTL      time.Duration
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New creates a store for cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	switch cfg.Driver {
	case "redis":
		return NewRedis(ctx, cfg)
	case "memory", "":
		return NewMemory(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("pending: unknown driver %q", cfg.Driver)
	}
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating pending token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
