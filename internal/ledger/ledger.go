// Package ledger owns referral codes: validation, exactly-once redemption of
// each use, issuance and deactivation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/quota"
	"github.com/alecgard/clubpass/internal/role"
)

var (
	ErrInvalidCode   = errors.New("invalid referral code")
	ErrInactiveCode  = errors.New("referral code is inactive")
	ErrCodeExpired   = errors.New("referral code has expired")
	ErrCodeExhausted = errors.New("referral code has no uses left")
	// ErrRedemptionConflict means the redemption kept losing races until the
	// retry budget ran out. Callers treat it like ErrCodeExhausted.
	ErrRedemptionConflict = errors.New("referral code redemption conflict")
	ErrRoleMismatch       = errors.New("referral code grants a different role")
	ErrRoleNotInvitable   = errors.New("role cannot be granted by referral code")
	ErrWrongClub          = errors.New("referral code belongs to another club")
	ErrCodeEmailMismatch  = errors.New("referral code was issued to another email")
)

const issueAttempts = 5

// Receipt describes one redeemed use.
type Receipt struct {
	Code       string
	ClubID     string
	Role       role.Role
	TeamID     string
	RedeemedAt time.Time
}

// Ledger validates and redeems referral codes.
type Ledger struct {
	store  directory.Store
	quota  *quota.Evaluator
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger.
func New(store directory.Store, q *quota.Evaluator, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, quota: q, logger: logger, now: time.Now}
}

// StatusError maps a non-consumable status to its sentinel.
func StatusError(s directory.CodeStatus) error {
	switch s {
	case directory.CodeInactive:
		return ErrInactiveCode
	case directory.CodeExpired:
		return ErrCodeExpired
	case directory.CodeExhausted:
		return ErrCodeExhausted
	}
	return nil
}

// Validate is a read-only check. It returns the code when it is consumable,
// ErrInvalidCode when it does not exist, or the status sentinel.
func (l *Ledger) Validate(ctx context.Context, code string) (*directory.ReferralCode, error) {
	return l.validate(ctx, l.store, code)
}

func (l *Ledger) validate(ctx context.Context, rd directory.Reader, code string) (*directory.ReferralCode, error) {
	code = directory.NormalizeCode(code)
	if !directory.ValidCodeFormat(code) {
		return nil, ErrInvalidCode
	}
	c, err := rd.GetReferralCode(ctx, code)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("reading referral code: %w", err)
	}
	if err := StatusError(c.Status(l.now())); err != nil {
		return c, err
	}
	return c, nil
}

// Redeem consumes one use of code for email in its own transaction. A
// non-empty want requires the code to grant that role.
func (l *Ledger) Redeem(ctx context.Context, code, email string, want role.Role) (*Receipt, error) {
	var receipt *Receipt
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		r, err := l.RedeemTx(ctx, tx, code, email, want)
		receipt = r
		return err
	})
	if errors.Is(err, directory.ErrConflict) {
		return nil, ErrRedemptionConflict
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// RedeemTx consumes one use of code for email inside tx. A code issued to an
// invitee only redeems for that email. The caller's transaction decides
// whether the use sticks.
func (l *Ledger) RedeemTx(ctx context.Context, tx directory.Tx, code, email string, want role.Role) (*Receipt, error) {
	c, err := l.validate(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if !c.IssuedTo(email) {
		return nil, ErrCodeEmailMismatch
	}
	if want != "" && c.Role != want {
		return nil, ErrRoleMismatch
	}

	c.UsesCount++
	if err := tx.PutReferralCode(ctx, c); err != nil {
		return nil, fmt.Errorf("consuming referral code: %w", err)
	}
	return &Receipt{
		Code:       c.Code,
		ClubID:     c.ClubID,
		Role:       c.Role,
		TeamID:     c.TeamID,
		RedeemedAt: l.now(),
	}, nil
}

// IssueInput describes a new referral code.
type IssueInput struct {
	ClubID    string
	Role      role.Role
	MaxUses   int
	ExpiresAt *time.Time
	TeamID    string
	Email     string
	CreatedBy string
}

// Issue creates a referral code after checking that its uses fit in the
// club's seat pool. Concurrent issues for different codes can still overshoot
// the pool; redemption re-checks capacity.
func (l *Ledger) Issue(ctx context.Context, in IssueInput) (*directory.ReferralCode, error) {
	if !in.Role.Capabilities().Invitable {
		return nil, ErrRoleNotInvitable
	}
	if in.MaxUses <= 0 {
		in.MaxUses = 1
	}

	for attempt := 0; attempt < issueAttempts; attempt++ {
		code, err := directory.NewCode()
		if err != nil {
			return nil, err
		}
		rc := &directory.ReferralCode{
			Code:      code,
			ClubID:    in.ClubID,
			Role:      in.Role,
			MaxUses:   in.MaxUses,
			Active:    true,
			TeamID:    in.TeamID,
			Email:     in.Email,
			CreatedBy: in.CreatedBy,
			ExpiresAt: in.ExpiresAt,
		}
		err = l.store.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
			if _, err := tx.GetClub(ctx, in.ClubID); err != nil {
				return fmt.Errorf("loading club: %w", err)
			}
			if _, err := l.quota.Require(ctx, tx, in.ClubID, in.Role, in.MaxUses); err != nil {
				return err
			}
			return tx.InsertReferralCode(ctx, rc)
		})
		if errors.Is(err, directory.ErrDuplicate) {
			l.logger.Debug("referral code collision, regenerating", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		l.logger.Info("referral code issued",
			"code", rc.Code, "club_id", rc.ClubID, "role", rc.Role, "max_uses", rc.MaxUses)
		return rc, nil
	}
	return nil, fmt.Errorf("issuing referral code: no unique code after %d attempts", issueAttempts)
}

// Deactivate marks code inactive. Its unredeemed uses stop holding seats.
func (l *Ledger) Deactivate(ctx context.Context, clubID, code string) (*directory.ReferralCode, error) {
	code = directory.NormalizeCode(code)
	var out *directory.ReferralCode
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		c, err := tx.GetReferralCode(ctx, code)
		if errors.Is(err, directory.ErrNotFound) {
			return ErrInvalidCode
		}
		if err != nil {
			return err
		}
		if clubID != "" && c.ClubID != clubID {
			return ErrWrongClub
		}
		if !c.Active {
			out = c
			return nil
		}
		c.Active = false
		if err := tx.PutReferralCode(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListCodes returns the club's referral codes.
func (l *Ledger) ListCodes(ctx context.Context, clubID string) ([]directory.ReferralCode, error) {
	codes, err := l.store.ListReferralCodes(ctx, clubID)
	if err != nil {
		return nil, fmt.Errorf("listing referral codes: %w", err)
	}
	return codes, nil
}
