package provision

import (
	"errors"

	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/quota"
)

// Referral code failures come straight from the ledger.
var (
	ErrInvalidCode        = ledger.ErrInvalidCode
	ErrInactiveCode       = ledger.ErrInactiveCode
	ErrCodeExpired        = ledger.ErrCodeExpired
	ErrCodeExhausted      = ledger.ErrCodeExhausted
	ErrRedemptionConflict = ledger.ErrRedemptionConflict
	ErrCodeEmailMismatch  = ledger.ErrCodeEmailMismatch
	ErrQuotaExceeded      = quota.ErrExceeded
)

var (
	ErrRoleNotPermitted    = errors.New("role is not permitted to use the dashboard")
	ErrSubscriptionInvalid = errors.New("club subscription is not valid")
	// ErrIdentityConflict means a credential exists in a configuration that
	// cannot be linked to the directory record automatically.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrStoreUnavailable wraps infrastructure failures. It always means
	// the request was denied.
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPendingExpired     = errors.New("pending sign-in expired")
	ErrInvalidInput       = errors.New("invalid input")
)

// SubscriptionError carries the reason a club's subscription was rejected.
type SubscriptionError struct {
	Reason string
}

func (e *SubscriptionError) Error() string {
	return "club subscription is not valid: " + e.Reason
}

func (e *SubscriptionError) Is(target error) bool { return target == ErrSubscriptionInvalid }

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidCode, "invalid_code"},
	{ErrInactiveCode, "inactive_code"},
	{ErrCodeExpired, "code_expired"},
	{ErrCodeExhausted, "code_exhausted"},
	{ErrRedemptionConflict, "code_exhausted"},
	{ErrCodeEmailMismatch, "code_email_mismatch"},
	{ErrRoleNotPermitted, "role_not_permitted"},
	{ErrSubscriptionInvalid, "subscription_invalid"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrIdentityConflict, "identity_conflict"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrPendingExpired, "pending_expired"},
	{ErrInvalidInput, "invalid_input"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// Code returns the machine-readable code for err, or "internal_error".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// domainError reports whether err is one of the failures above rather than
// an infrastructure error.
func domainError(err error) bool {
	for _, c := range codes {
		if c.err == ErrStoreUnavailable {
			continue
		}
		if errors.Is(err, c.err) {
			return true
		}
	}
	return false
}
