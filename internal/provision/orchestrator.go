package provision

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alecgard/clubpass/internal/pending"
	"github.com/google/uuid"
)

func newUserID() string { return uuid.NewString() }

// SignupInput is a password signup request.
type SignupInput struct {
	Email     string
	Password  string
	Code      string
	FirstName string
	LastName  string
}

// SignupWithPassword signs up, claims or signs in with email and password.
// A new signup validates the code before touching the credential store and
// deletes the credential it created if any later step fails.
func (s *Service) SignupWithPassword(ctx context.Context, in SignupInput) (out *Outcome, err error) {
	defer func() { s.observe("password", out, err) }()

	email := identity.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, ErrInvalidInput
	}
	acct := account{
		email:       email,
		code:        in.Code,
		firstName:   strings.TrimSpace(in.FirstName),
		lastName:    strings.TrimSpace(in.LastName),
		providers:   []string{identity.ProviderPassword},
		hasPassword: true,
	}

	user, cred, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}

	switch {
	case cred != nil:
		if err := s.requirePasswordProvider(ctx, email); err != nil {
			return nil, err
		}
		id, err := s.passwordSignIn(ctx, email, in.Password)
		if err != nil {
			return nil, err
		}
		if user != nil && bound(user, id) {
			return s.signIn(ctx, user, id)
		}
		return s.anomalous(ctx, user, id, acct)

	case user != nil:
		id, err := s.createPasswordCredential(ctx, email, in.Password)
		if err != nil {
			return nil, err
		}
		return s.claim(ctx, user, id)

	default:
		if err := s.validateCode(ctx, in.Code, acct.email); err != nil {
			return nil, err
		}
		id, err := s.createPasswordCredential(ctx, email, in.Password)
		if err != nil {
			return nil, err
		}
		u, err := s.provisionNew(ctx, id, acct)
		if err != nil {
			s.compensate(ctx, id, err)
			return nil, err
		}
		return s.finish(ctx, u, id, PathSignup)
	}
}

// requirePasswordProvider rejects a password attempt against a credential
// that only an identity provider can sign in to. The caller is told the email
// is taken rather than that the password is wrong.
func (s *Service) requirePasswordProvider(ctx context.Context, email string) error {
	providers, err := s.ids.ListProvidersForEmail(ctx, email)
	if err != nil {
		return unavailable("listing providers", err)
	}
	if len(providers) > 0 && !slices.Contains(providers, identity.ProviderPassword) {
		return ErrIdentityConflict
	}
	return nil
}

func (s *Service) passwordSignIn(ctx context.Context, email, password string) (*identity.Identity, error) {
	id, err := s.ids.SignIn(ctx, email, password)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrNotFound):
		return nil, ErrInvalidCredentials
	default:
		return nil, unavailable("signing in", err)
	}
}

func (s *Service) createPasswordCredential(ctx context.Context, email, password string) (*identity.Identity, error) {
	id, err := s.ids.CreateCredential(ctx, email, password)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, identity.ErrExists):
		// Lost a race with another signup for the same email.
		return nil, ErrIdentityConflict
	default:
		return nil, unavailable("creating credential", err)
	}
}

// AssertionInput is an identity provider sign-in. Exactly one of Token (a
// fresh provider token) or PendingToken (from an earlier NeedsReferralCode
// outcome) is set.
type AssertionInput struct {
	Token        string
	PendingToken string
	Code         string
}

// SignInOrSignupWithAssertion resolves a provider assertion. A first-time
// user without a code gets NeedsReferralCode and a pending token to come
// back with; the pending record is consumed once the call succeeds.
func (s *Service) SignInOrSignupWithAssertion(ctx context.Context, in AssertionInput) (out *Outcome, err error) {
	defer func() { s.observe("assertion", out, err) }()

	a, err := s.loadAssertion(ctx, in)
	if err != nil {
		return nil, err
	}
	email := identity.NormalizeEmail(a.Email)
	if email == "" || a.Provider == "" || a.Subject == "" {
		return nil, ErrInvalidCredentials
	}
	a.Email = email

	out, err = s.resolveAssertion(ctx, a, in)
	if err != nil || out.NeedsReferralCode || in.PendingToken == "" {
		return out, err
	}
	if derr := s.pending.Delete(ctx, in.PendingToken); derr != nil {
		s.logger.Warn("failed to drop pending assertion", "error", derr)
	}
	return out, nil
}

func (s *Service) resolveAssertion(ctx context.Context, a identity.Assertion, in AssertionInput) (*Outcome, error) {
	acct := account{
		email:       a.Email,
		code:        in.Code,
		displayName: strings.TrimSpace(a.Name),
		providers:   []string{a.Provider},
	}

	user, cred, err := s.lookup(ctx, a.Email)
	if err != nil {
		return nil, err
	}

	switch {
	case cred != nil:
		id, err := s.authenticateAssertion(ctx, cred, a)
		if err != nil {
			return nil, err
		}
		if user != nil && bound(user, id) {
			return s.signIn(ctx, user, id)
		}
		return s.anomalous(ctx, user, id, acct)

	case user != nil:
		if !a.EmailVerified {
			return nil, ErrIdentityConflict
		}
		id, err := s.createAssertionCredential(ctx, a)
		if err != nil {
			return nil, err
		}
		return s.claim(ctx, user, id)

	case strings.TrimSpace(in.Code) == "":
		token := in.PendingToken
		if token == "" {
			token, err = s.pending.Put(ctx, a)
			if err != nil {
				return nil, unavailable("storing pending assertion", err)
			}
		}
		return &Outcome{Email: a.Email, NeedsReferralCode: true, PendingToken: token}, nil

	default:
		if err := s.validateCode(ctx, in.Code, acct.email); err != nil {
			return nil, err
		}
		id, err := s.createAssertionCredential(ctx, a)
		if err != nil {
			return nil, err
		}
		u, err := s.provisionNew(ctx, id, acct)
		if err != nil {
			s.compensate(ctx, id, err)
			return nil, err
		}
		return s.finish(ctx, u, id, PathSignup)
	}
}

func (s *Service) loadAssertion(ctx context.Context, in AssertionInput) (identity.Assertion, error) {
	switch {
	case in.Token != "":
		if s.verifier == nil {
			return identity.Assertion{}, ErrInvalidCredentials
		}
		a, err := s.verifier.Verify(ctx, in.Token)
		if err != nil {
			s.logger.Debug("assertion rejected", "error", err)
			return identity.Assertion{}, ErrInvalidCredentials
		}
		return a, nil
	case in.PendingToken != "":
		rec, err := s.pending.Get(ctx, in.PendingToken)
		if errors.Is(err, pending.ErrNotFound) {
			return identity.Assertion{}, ErrPendingExpired
		}
		if err != nil {
			return identity.Assertion{}, unavailable("loading pending assertion", err)
		}
		return rec.Assertion, nil
	default:
		return identity.Assertion{}, ErrInvalidInput
	}
}

// authenticateAssertion signs in to an existing credential, linking the
// provider when the credential does not have it yet. Linking needs a
// verified email; the provider subject must not belong to another
// credential.
func (s *Service) authenticateAssertion(ctx context.Context, cred *identity.Identity, a identity.Assertion) (*identity.Identity, error) {
	id, err := s.ids.SignInWithAssertion(ctx, a)
	switch {
	case err == nil:
		if id.UID != cred.UID {
			return nil, ErrIdentityConflict
		}
		return id, nil
	case !errors.Is(err, identity.ErrNotFound):
		return nil, unavailable("signing in with assertion", err)
	}

	if !a.EmailVerified {
		return nil, ErrIdentityConflict
	}
	id, err = s.ids.LinkProvider(ctx, cred.UID, a)
	switch {
	case err == nil:
		s.logger.Info("provider linked",
			"identity_uid", id.UID, "provider", a.Provider, "email", identity.MaskEmail(a.Email))
		return id, nil
	case errors.Is(err, identity.ErrProviderLinked):
		return nil, ErrIdentityConflict
	default:
		return nil, unavailable("linking provider", err)
	}
}

func (s *Service) createAssertionCredential(ctx context.Context, a identity.Assertion) (*identity.Identity, error) {
	id, err := s.ids.CreateFromAssertion(ctx, a)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, identity.ErrExists), errors.Is(err, identity.ErrProviderLinked):
		return nil, ErrIdentityConflict
	default:
		return nil, unavailable("creating credential", err)
	}
}
