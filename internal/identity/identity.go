// Package identity is the credential store: who may authenticate, with which
// providers, and their sessions. Profile data lives in the directory.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ProviderPassword is the provider id for email+password credentials.
const ProviderPassword = "password"

// DefaultSessionTTL is used when a store is created without a session TTL.
const DefaultSessionTTL = 7 * 24 * time.Hour

var (
	ErrNotFound           = errors.New("identity: not found")
	ErrExists             = errors.New("identity: credential already exists")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrProviderLinked is returned when the provider subject is already
	// bound to a different credential.
	ErrProviderLinked = errors.New("identity: provider already linked to another account")
)

// Identity is a credential record.
type Identity struct {
	UID           string
	Email         string
	Providers     []string
	EmailVerified bool
	CreatedAt     time.Time
}

// HasProvider reports whether provider is linked to the identity.
func (i *Identity) HasProvider(provider string) bool {
	return slices.Contains(i.Providers, provider)
}

// Assertion is a verified statement from a third-party identity provider.
type Assertion struct {
	Provider      string    `json:"provider"`
	Subject       string    `json:"subject"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Name          string    `json:"name,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Store is the credential store.
type Store interface {
	// Lookup finds the credential registered for email.
	Lookup(ctx context.Context, email string) (*Identity, error)
	// CreateCredential registers an email+password credential. It fails
	// with ErrExists if the email already has a credential.
	CreateCredential(ctx context.Context, email, password string) (*Identity, error)
	// CreateFromAssertion registers a credential owned by the asserting
	// provider.
	CreateFromAssertion(ctx context.Context, a Assertion) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	// SignInWithAssertion returns the identity bound to the assertion's
	// provider subject, or ErrNotFound if the subject is not linked.
	SignInWithAssertion(ctx context.Context, a Assertion) (*Identity, error)
	LinkProvider(ctx context.Context, uid string, a Assertion) (*Identity, error)
	ListProvidersForEmail(ctx context.Context, email string) ([]string, error)
	IssueSession(ctx context.Context, uid string) (string, error)
	LookupSession(ctx context.Context, token string) (*Identity, error)
	// Invalidate revokes every session of uid.
	Invalidate(ctx context.Context, uid string) error
	// Delete removes the credential, its provider links and sessions.
	Delete(ctx context.Context, uid string) error
}

// Verifier turns an opaque assertion token into a verified Assertion.
type Verifier interface {
	Verify(ctx context.Context, token string) (Assertion, error)
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MaskEmail keeps the first two characters of the local part for logs.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	local := email[:at]
	if len(local) > 2 {
		local = local[:2]
	}
	return local + "***" + email[at:]
}

// NewSessionToken returns a random opaque token and the hash to store.
func NewSessionToken() (plaintext, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating session token: %w", err)
	}
	plaintext = hex.EncodeToString(b)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the hex-encoded SHA-256 of a session token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
