package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/provision"
)

// maxBodySize is the maximum allowed request body size (64 KB).
const maxBodySize = 64 << 10

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit and
// rejecting unknown fields.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var statusByCode = map[string]int{
	"invalid_input":        http.StatusUnprocessableEntity,
	"invalid_code":         http.StatusNotFound,
	"inactive_code":        http.StatusGone,
	"code_expired":         http.StatusGone,
	"code_exhausted":       http.StatusGone,
	"code_email_mismatch":  http.StatusForbidden,
	"pending_expired":      http.StatusGone,
	"role_not_permitted":   http.StatusForbidden,
	"subscription_invalid": http.StatusPaymentRequired,
	"quota_exceeded":       http.StatusConflict,
	"identity_conflict":    http.StatusConflict,
	"invalid_credentials":  http.StatusUnauthorized,
	"store_unavailable":    http.StatusServiceUnavailable,
}

// writeDomainError maps provisioning, ledger and quota failures onto the error
// envelope. Anything unrecognised is a 500 with a generic message.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrRoleNotInvitable):
		writeError(w, http.StatusUnprocessableEntity, "role_not_invitable", err.Error())
		return
	case errors.Is(err, ledger.ErrWrongClub):
		writeError(w, http.StatusNotFound, "invalid_code", "referral code not found")
		return
	case errors.Is(err, ledger.ErrRoleMismatch):
		writeError(w, http.StatusConflict, "role_mismatch", err.Error())
		return
	}

	code := provision.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeError(w, status, code, publicMessage(code, err))
}

// publicMessage keeps infrastructure details out of responses.
func publicMessage(code string, err error) string {
	switch code {
	case "store_unavailable":
		return "service temporarily unavailable, nothing was changed"
	case "invalid_credentials":
		return "invalid email or password"
	}
	return err.Error()
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.ActualTag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %s is required", field))
		case "email":
			msgs = append(msgs, fmt.Sprintf("field %s must be an email address", field))
		case "min":
			msgs = append(msgs, fmt.Sprintf("field %s must be at least %s long", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("field %s must be at most %s", field, fe.Param()))
		case "len":
			msgs = append(msgs, fmt.Sprintf("field %s must be %s characters", field, fe.Param()))
		case "alphanum":
			msgs = append(msgs, fmt.Sprintf("field %s can contain only letters and digits", field))
		default:
			msgs = append(msgs, fmt.Sprintf("field %s is not valid", field))
		}
	}
	return strings.Join(msgs, ", ")
}

func isNotFound(err error) bool {
	return errors.Is(err, directory.ErrNotFound)
}
