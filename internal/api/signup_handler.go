package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/provision"
	"github.com/alecgard/clubpass/internal/role"
)

// signupHandler serves the public provisioning endpoints.
type signupHandler struct {
	svc      *provision.Service
	ledger   *ledger.Ledger
	validate *validator.Validate
}

func newSignupHandler(svc *provision.Service, l *ledger.Ledger, v *validator.Validate) *signupHandler {
	return &signupHandler{svc: svc, ledger: l, validate: v}
}

type signupRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=128"`
	Code      string `json:"code" validate:"omitempty,alphanum,len=8"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

// Signup handles POST /signup. New accounts get 201; a claim or a returning
// user signing in gets 200.
func (h *signupHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decode(w, r, h.validate, &req) {
		return
	}

	out, err := h.svc.SignupWithPassword(r.Context(), provision.SignupInput{
		Email:     req.Email,
		Password:  req.Password,
		Code:      req.Code,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if out.Path == provision.PathSignup || out.Path == provision.PathHealed {
		status = http.StatusCreated
		auditLog(r, "account.provisioned", "user", out.UserID, "path", out.Path, "role", out.Role, "club_id", out.ClubID)
	}
	writeJSON(w, status, out)
}

type assertionRequest struct {
	AssertionToken string `json:"assertionToken" validate:"required_without=PendingToken"`
	PendingToken   string `json:"pendingToken" validate:"required_without=AssertionToken"`
	Code           string `json:"code" validate:"omitempty,alphanum,len=8"`
}

// SignInWithAssertion handles POST /oauth/signin. A first-time user without
// a code gets 202 with a pending token to resubmit with one.
func (h *signupHandler) SignInWithAssertion(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	if req.AssertionToken != "" && req.PendingToken != "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "send either assertionToken or pendingToken")
		return
	}

	out, err := h.svc.SignInOrSignupWithAssertion(r.Context(), provision.AssertionInput{
		Token:        req.AssertionToken,
		PendingToken: req.PendingToken,
		Code:         req.Code,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case out.NeedsReferralCode:
		writeJSON(w, http.StatusAccepted, out)
	case out.Path == provision.PathSignup || out.Path == provision.PathHealed:
		auditLog(r, "account.provisioned", "user", out.UserID, "path", out.Path, "role", out.Role, "club_id", out.ClubID)
		writeJSON(w, http.StatusCreated, out)
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

type codeView struct {
	Code      string     `json:"code"`
	ClubID    string     `json:"clubId"`
	Role      role.Role  `json:"role"`
	TeamID    string     `json:"teamId,omitempty"`
	Remaining int        `json:"remaining"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CheckCode handles GET /referral-codes/{code}, the signup form pre-check.
// Nothing is consumed.
func (h *signupHandler) CheckCode(w http.ResponseWriter, r *http.Request) {
	code := directory.NormalizeCode(chi.URLParam(r, "code"))
	if !directory.ValidCodeFormat(code) {
		writeDomainError(w, ledger.ErrInvalidCode)
		return
	}

	c, err := h.ledger.Validate(r.Context(), code)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, codeView{
		Code:      c.Code,
		ClubID:    c.ClubID,
		Role:      c.Role,
		TeamID:    c.TeamID,
		Remaining: c.Remaining(time.Now()),
		ExpiresAt: c.ExpiresAt,
	})
}
