// Package provision turns a referral code plus a password or identity
// provider assertion into a roled, quota-compliant directory user. It
// reconciles the credential store and the directory, which cannot share a
// transaction, by compensating on failure.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/events"
	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/pending"
	"github.com/alecgard/clubpass/internal/role"
)

// Resolution paths.
const (
	PathSignIn = "signin"
	PathClaim  = "claim"
	PathSignup = "signup"
	PathHealed = "healed"
)

const defaultCompensationTimeout = 5 * time.Second

// Recorder receives provisioning metrics.
type Recorder interface {
	// Outcome counts a finished operation; result is a path or an error code.
	Outcome(op, result string)
	RedemptionConflict()
	OrphanedCredential()
	Anomaly(action string)
}

type nopRecorder struct{}

func (nopRecorder) Outcome(string, string) {}
func (nopRecorder) RedemptionConflict()    {}
func (nopRecorder) OrphanedCredential()    {}
func (nopRecorder) Anomaly(string)         {}

// Outcome is the result of a provisioning call. When NeedsReferralCode is
// set only Email and PendingToken are filled in.
type Outcome struct {
	UserID            string    `json:"userId,omitempty"`
	Email             string    `json:"email"`
	Role              role.Role `json:"role,omitempty"`
	ClubID            string    `json:"clubId,omitempty"`
	SessionToken      string    `json:"sessionToken,omitempty"`
	Path              string    `json:"path,omitempty"`
	NeedsReferralCode bool      `json:"needsReferralCode,omitempty"`
	PendingToken      string    `json:"pendingToken,omitempty"`
}

// Deps are the collaborators of a Service. Verifier, Pending, Events,
// Recorder and Logger are optional.
type Deps struct {
	Directory directory.Store
	Identity  identity.Store
	Verifier  identity.Verifier
	Pending   pending.Store
	Ledger    *ledger.Ledger
	Gate      *Gate
	Events    events.Publisher
	Recorder  Recorder
	Logger    *slog.Logger

	// CompensationTimeout bounds the credential rollback, which runs even
	// when the request context is already cancelled.
	CompensationTimeout time.Duration
}

// Service is the provisioning orchestrator.
type Service struct {
	dir      directory.Store
	ids      identity.Store
	verifier identity.Verifier
	pending  pending.Store
	ledger   *ledger.Ledger
	gate     *Gate
	events   events.Publisher
	rec      Recorder
	logger   *slog.Logger

	compensationTimeout time.Duration
}

// New creates a Service.
func New(d Deps) *Service {
	s := &Service{
		dir:                 d.Directory,
		ids:                 d.Identity,
		verifier:            d.Verifier,
		pending:             d.Pending,
		ledger:              d.Ledger,
		gate:                d.Gate,
		events:              d.Events,
		rec:                 d.Recorder,
		logger:              d.Logger,
		compensationTimeout: d.CompensationTimeout,
	}
	if s.gate == nil {
		s.gate = NewGate(nil)
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pending == nil {
		s.pending = pending.NewMemory(pending.DefaultTTL)
	}
	if s.compensationTimeout <= 0 {
		s.compensationTimeout = defaultCompensationTimeout
	}
	return s
}

// account is what a new directory record is built from.
type account struct {
	email       string
	code        string
	firstName   string
	lastName    string
	displayName string
	providers   []string
	hasPassword bool
}

func (a account) display() string {
	if a.displayName != "" {
		return a.displayName
	}
	return strings.TrimSpace(a.firstName + " " + a.lastName)
}

// lookup reads both stores for email. Missing records come back nil.
func (s *Service) lookup(ctx context.Context, email string) (*directory.User, *identity.Identity, error) {
	user, err := s.dir.GetUserByEmail(ctx, email)
	if errors.Is(err, directory.ErrNotFound) {
		user, err = nil, nil
	}
	if err != nil {
		return nil, nil, unavailable("reading directory", err)
	}
	cred, err := s.ids.Lookup(ctx, email)
	if errors.Is(err, identity.ErrNotFound) {
		cred, err = nil, nil
	}
	if err != nil {
		return nil, nil, unavailable("reading credentials", err)
	}
	return user, cred, nil
}

// bound reports whether user belongs to the credential, or is not bound to
// any credential yet.
func bound(user *directory.User, cred *identity.Identity) bool {
	return user.IdentityUID == "" || user.IdentityUID == cred.UID
}

// validateCode is the read-only pre-check run before a credential is
// created. Redemption re-checks inside the directory transaction.
func (s *Service) validateCode(ctx context.Context, code, email string) error {
	if strings.TrimSpace(code) == "" {
		return ErrInvalidCode
	}
	c, err := s.ledger.Validate(ctx, code)
	if err != nil && !domainError(err) {
		return unavailable("validating referral code", err)
	}
	if err != nil {
		return err
	}
	if !c.IssuedTo(email) {
		return ErrCodeEmailMismatch
	}
	return nil
}

// provisionNew creates the directory record for a credential in one
// transaction: redeem the code, create the user, grant club admin standing,
// run the gate. Replaying a committed call for the same email, code and
// credential returns the existing record without redeeming again.
func (s *Service) provisionNew(ctx context.Context, id *identity.Identity, acct account) (*directory.User, error) {
	code := directory.NormalizeCode(acct.code)
	var created *directory.User
	err := s.dir.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		created = nil

		existing, err := tx.GetUserByEmail(ctx, acct.email)
		switch {
		case err == nil:
			if existing.IdentityUID == id.UID && existing.ReferralCode == code {
				created = existing
				return nil
			}
			return ErrIdentityConflict
		case !errors.Is(err, directory.ErrNotFound):
			return err
		}

		receipt, err := s.ledger.RedeemTx(ctx, tx, code, acct.email, "")
		if err != nil {
			return err
		}

		u := &directory.User{
			ID:           newUserID(),
			Email:        acct.email,
			DisplayName:  acct.display(),
			FirstName:    acct.firstName,
			LastName:     acct.lastName,
			ClubID:       receipt.ClubID,
			TeamID:       receipt.TeamID,
			Role:         receipt.Role,
			HasPassword:  acct.hasPassword,
			IdentityUID:  id.UID,
			ReferralCode: receipt.Code,
		}
		u.MergeProviders(acct.providers...)
		if err := tx.CreateUser(ctx, u); err != nil {
			if errors.Is(err, directory.ErrDuplicate) {
				return ErrIdentityConflict
			}
			return err
		}
		if u.Role.Capabilities().ClubAdmin {
			if err := tx.AddClubAdmin(ctx, u.ClubID, u.ID); err != nil {
				return err
			}
		}
		if err := s.gate.Check(ctx, tx, u.Role, u.ClubID); err != nil {
			return err
		}
		created = u
		return nil
	})
	if err != nil {
		return nil, s.txError(err)
	}
	return created, nil
}

// claim binds a freshly created credential to a pre-provisioned record. No
// referral code is consumed.
func (s *Service) claim(ctx context.Context, user *directory.User, id *identity.Identity) (*Outcome, error) {
	var claimed *directory.User
	err := s.dir.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		u, err := tx.GetUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if u.IdentityUID != "" && u.IdentityUID != id.UID {
			return ErrIdentityConflict
		}
		u.IdentityUID = id.UID
		u.MergeProviders(id.Providers...)
		if id.HasProvider(identity.ProviderPassword) {
			u.HasPassword = true
		}
		if err := s.gate.Check(ctx, tx, u.Role, u.ClubID); err != nil {
			return err
		}
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		claimed = u
		return nil
	})
	if err != nil {
		err = s.txError(err)
		s.compensate(ctx, id, err)
		return nil, err
	}
	return s.finish(ctx, claimed, id, PathClaim)
}

// signIn merges the credential's providers into the directory record, binds
// an unbound record and runs the gate. A rejected sign-in revokes the
// credential's sessions.
func (s *Service) signIn(ctx context.Context, user *directory.User, id *identity.Identity) (*Outcome, error) {
	var current *directory.User
	err := s.dir.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		u, err := tx.GetUser(ctx, user.ID)
		if err != nil {
			return err
		}
		if !bound(u, id) {
			return ErrIdentityConflict
		}
		changed := u.MergeProviders(id.Providers...)
		if u.IdentityUID == "" {
			u.IdentityUID = id.UID
			changed = true
		}
		if id.HasProvider(identity.ProviderPassword) && !u.HasPassword {
			u.HasPassword = true
			changed = true
		}
		if err := s.gate.Check(ctx, tx, u.Role, u.ClubID); err != nil {
			return err
		}
		if changed {
			if err := tx.UpdateUser(ctx, u); err != nil {
				return err
			}
		}
		current = u
		return nil
	})
	if err != nil {
		err = s.txError(err)
		s.revoke(ctx, id)
		return nil, err
	}
	return s.finish(ctx, current, id, PathSignIn)
}

// anomalous handles a credential with no matching directory record. An
// authenticated caller holding a consumable code gets the record the
// original signup failed to write. Everything else is flagged and refused;
// no record is fabricated.
func (s *Service) anomalous(ctx context.Context, user *directory.User, id *identity.Identity, acct account) (*Outcome, error) {
	if user == nil && acct.code != "" {
		acct.providers = id.Providers
		acct.hasPassword = id.HasProvider(identity.ProviderPassword)
		u, err := s.provisionNew(ctx, id, acct)
		if err != nil {
			s.revoke(ctx, id)
			return nil, err
		}
		s.logger.Warn("credential without directory record healed",
			"identity_uid", id.UID, "user_id", u.ID, "email", identity.MaskEmail(id.Email))
		s.rec.Anomaly("healed")
		return s.finish(ctx, u, id, PathHealed)
	}

	detail := map[string]string{"reason": "no directory record"}
	if user != nil {
		detail = map[string]string{"reason": "directory record bound to another credential", "user_id": user.ID}
	}
	s.logger.Warn("identity anomaly, reconciliation required",
		"identity_uid", id.UID, "email", identity.MaskEmail(id.Email), "reason", detail["reason"])
	s.rec.Anomaly("rejected")
	s.publish(ctx, events.Event{
		Type:       events.TypeIdentityAnomaly,
		IdentityID: id.UID,
		Email:      id.Email,
		Detail:     detail,
	})
	s.revoke(ctx, id)
	return nil, ErrIdentityConflict
}

// finish issues the session once every check has passed.
func (s *Service) finish(ctx context.Context, u *directory.User, id *identity.Identity, path string) (*Outcome, error) {
	token, err := s.ids.IssueSession(ctx, id.UID)
	if err != nil {
		return nil, unavailable("issuing session", err)
	}
	if path != PathSignIn {
		s.publish(ctx, events.Event{
			Type:       events.TypeAccountProvisioned,
			UserID:     u.ID,
			IdentityID: id.UID,
			Email:      u.Email,
			ClubID:     u.ClubID,
			Role:       string(u.Role),
			Path:       path,
		})
	}
	s.logger.Info("account resolved",
		"path", path, "user_id", u.ID, "club_id", u.ClubID, "role", u.Role,
		"email", identity.MaskEmail(u.Email))
	return &Outcome{
		UserID:       u.ID,
		Email:        u.Email,
		Role:         u.Role,
		ClubID:       u.ClubID,
		SessionToken: token,
		Path:         path,
	}, nil
}

// compensate deletes a credential created by the failed call. A failed
// delete is left for an operator: it is logged, counted and published, never
// retried here.
func (s *Service) compensate(ctx context.Context, id *identity.Identity, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	err := s.ids.Delete(cctx, id.UID)
	if err == nil || errors.Is(err, identity.ErrNotFound) {
		s.logger.Info("credential rolled back",
			"identity_uid", id.UID, "email", identity.MaskEmail(id.Email), "cause", cause)
		return
	}

	s.logger.Error("orphaned credential, manual reconciliation required",
		"identity_uid", id.UID,
		"email", identity.MaskEmail(id.Email),
		"cause", cause,
		"error", err,
		"manual_reconciliation", true,
	)
	s.rec.OrphanedCredential()
	s.publish(cctx, events.Event{
		Type:       events.TypeCredentialOrphaned,
		IdentityID: id.UID,
		Email:      id.Email,
		Detail: map[string]string{
			"cause":              cause.Error(),
			"compensation_error": err.Error(),
		},
	})
}

// revoke signs out a credential that failed the gate.
func (s *Service) revoke(ctx context.Context, id *identity.Identity) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()
	if err := s.ids.Invalidate(cctx, id.UID); err != nil {
		s.logger.Error("failed to revoke sessions", "identity_uid", id.UID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Error("failed to publish event", "type", e.Type, "error", err)
	}
}

// txError normalises a directory transaction failure. Lost races become
// ErrRedemptionConflict; anything that is not a domain failure becomes
// ErrStoreUnavailable.
func (s *Service) txError(err error) error {
	switch {
	case errors.Is(err, directory.ErrConflict):
		s.rec.RedemptionConflict()
		return ErrRedemptionConflict
	case domainError(err), errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return unavailable("directory transaction", err)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// observe records the outcome of a public operation.
func (s *Service) observe(op string, out *Outcome, err error) {
	switch {
	case err != nil:
		s.rec.Outcome(op, Code(err))
		if !domainError(err) {
			s.logger.Error("provisioning failed", "op", op, "error", err)
		}
	case out.NeedsReferralCode:
		s.rec.Outcome(op, "needs_referral_code")
	default:
		s.rec.Outcome(op, out.Path)
	}
}
