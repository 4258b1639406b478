package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecgard/clubpass/internal/identity"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore() *Store {
	return New(WithBcryptCost(bcrypt.MinCost))
}

func TestCreateCredentialAndSignIn(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	id, err := s.CreateCredential(ctx, " Coach@Example.com ", "s3cret-pass")
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if id.Email != "coach@example.com" {
		t.Errorf("email not normalised: %q", id.Email)
	}
	if !id.HasProvider(identity.ProviderPassword) {
		t.Errorf("expected password provider, got %v", id.Providers)
	}

	if _, err := s.CreateCredential(ctx, "coach@example.com", "other"); !errors.Is(err, identity.ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	got, err := s.SignIn(ctx, "coach@example.com", "s3cret-pass")
	if err != nil || got.UID != id.UID {
		t.Fatalf("SignIn = %+v, %v", got, err)
	}
	if _, err := s.SignIn(ctx, "coach@example.com", "wrong"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.SignIn(ctx, "nobody@example.com", "x"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("unknown email should look like bad credentials, got %v", err)
	}
}

func TestAssertionLinking(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	google := identity.Assertion{Provider: "google.com", Subject: "g-1", Email: "a@example.com", EmailVerified: true}

	id, err := s.CreateCredential(ctx, "a@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SignInWithAssertion(ctx, google); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("unlinked provider should be ErrNotFound, got %v", err)
	}

	linked, err := s.LinkProvider(ctx, id.UID, google)
	if err != nil {
		t.Fatalf("LinkProvider: %v", err)
	}
	if !linked.HasProvider("google.com") || !linked.EmailVerified {
		t.Errorf("unexpected identity after link: %+v", linked)
	}

	got, err := s.SignInWithAssertion(ctx, google)
	if err != nil || got.UID != id.UID {
		t.Fatalf("SignInWithAssertion = %+v, %v", got, err)
	}

	other, err := s.CreateFromAssertion(ctx, identity.Assertion{Provider: "apple.com", Subject: "a-1", Email: "b@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkProvider(ctx, other.UID, google); !errors.Is(err, identity.ErrProviderLinked) {
		t.Errorf("expected ErrProviderLinked, got %v", err)
	}

	providers, _ := s.ListProvidersForEmail(ctx, "a@example.com")
	if len(providers) != 2 {
		t.Errorf("expected 2 providers, got %v", providers)
	}
}

func TestSessionsAndDelete(t *testing.T) {
	s := newTestStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	id, _ := s.CreateCredential(ctx, "a@example.com", "pw")
	token, err := s.IssueSession(ctx, id.UID)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if got, err := s.LookupSession(ctx, token); err != nil || got.UID != id.UID {
		t.Fatalf("LookupSession = %+v, %v", got, err)
	}

	if err := s.Invalidate(ctx, id.UID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LookupSession(ctx, token); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("session should be revoked, got %v", err)
	}

	token, _ = s.IssueSession(ctx, id.UID)
	clock = clock.Add(identity.DefaultSessionTTL + time.Second)
	if _, err := s.LookupSession(ctx, token); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("expired session should not resolve, got %v", err)
	}

	if err := s.Delete(ctx, id.UID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Lookup(ctx, "a@example.com"); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("deleted credential still resolvable: %v", err)
	}
	if err := s.Delete(ctx, id.UID); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"coach@example.com": "co***@example.com",
		"a@example.com":     "a***@example.com",
		"nonsense":          "***",
	}
	for in, want := range tests {
		if got := identity.MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
