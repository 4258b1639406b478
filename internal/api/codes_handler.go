package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator"

	"github.com/alecgard/clubpass/internal/auth"
	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/ledger"
	"github.com/alecgard/clubpass/internal/quota"
	"github.com/alecgard/clubpass/internal/role"
)

// CodeCounter is told about every issued code. metrics.Metrics satisfies it.
type CodeCounter interface {
	IncCodeIssued(role string)
}

// codesHandler serves the club-admin referral code and capacity endpoints.
type codesHandler struct {
	ledger   *ledger.Ledger
	quota    *quota.Evaluator
	dir      directory.Reader
	counter  CodeCounter
	validate *validator.Validate
}

func newCodesHandler(l *ledger.Ledger, q *quota.Evaluator, dir directory.Reader, counter CodeCounter, v *validator.Validate) *codesHandler {
	return &codesHandler{ledger: l, quota: q, dir: dir, counter: counter, validate: v}
}

type issueCodeRequest struct {
	Role      string     `json:"role" validate:"required"`
	MaxUses   int        `json:"maxUses" validate:"omitempty,min=1,max=500"`
	ExpiresAt *time.Time `json:"expiresAt"`
	TeamID    string     `json:"teamId" validate:"max=64"`
	Email     string     `json:"email" validate:"omitempty,email"`
}

// IssueCode handles POST /api/v1/clubs/{clubID}/referral-codes.
func (h *codesHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")

	var req issueCodeRequest
	if !decode(w, r, h.validate, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "field expiresAt must be in the future")
		return
	}

	var createdBy string
	if u := auth.UserFromContext(r.Context()); u != nil {
		createdBy = u.ID
	}
	rc, err := h.ledger.Issue(r.Context(), ledger.IssueInput{
		ClubID:    clubID,
		Role:      role.Parse(req.Role),
		MaxUses:   req.MaxUses,
		ExpiresAt: req.ExpiresAt,
		TeamID:    req.TeamID,
		Email:     req.Email,
		CreatedBy: createdBy,
	})
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "club not found")
			return
		}
		writeDomainError(w, err)
		return
	}

	if h.counter != nil {
		h.counter.IncCodeIssued(string(rc.Role))
	}
	auditLog(r, "referral_code.issued", "referral_code", rc.Code,
		"club_id", rc.ClubID, "role", rc.Role, "max_uses", rc.MaxUses)
	writeJSON(w, http.StatusCreated, rc)
}

// ListCodes handles GET /api/v1/clubs/{clubID}/referral-codes.
func (h *codesHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.ledger.ListCodes(r.Context(), chi.URLParam(r, "clubID"))
	if err != nil {
		slog.Error("failed to list referral codes", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list referral codes")
		return
	}
	if codes == nil {
		codes = []directory.ReferralCode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": codes})
}

// DeactivateCode handles DELETE /api/v1/clubs/{clubID}/referral-codes/{code}.
func (h *codesHandler) DeactivateCode(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")
	rc, err := h.ledger.Deactivate(r.Context(), clubID, chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	auditLog(r, "referral_code.deactivated", "referral_code", rc.Code, "club_id", clubID)
	writeJSON(w, http.StatusOK, rc)
}

// Capacity handles GET /api/v1/clubs/{clubID}/capacity?role=&additional=.
func (h *codesHandler) Capacity(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")
	rl := role.Parse(r.URL.Query().Get("role"))
	if !rl.Known() {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "query parameter role must be a known role")
		return
	}
	additional := 0
	if v := r.URL.Query().Get("additional"); v != "" {
		n, ok := parseNonNegative(v)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "invalid_input", "query parameter additional must be a non-negative integer")
			return
		}
		additional = n
	}

	if _, err := h.dir.GetClub(r.Context(), clubID); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "club not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "service temporarily unavailable")
		return
	}

	capacity, err := h.quota.CheckCapacity(r.Context(), h.dir, clubID, rl, additional)
	if err != nil {
		slog.Error("capacity check failed", "club_id", clubID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}
