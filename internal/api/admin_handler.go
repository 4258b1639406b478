package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/clubpass/internal/auth"
	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
)

// OrphanLister lists directory users without a club.
type OrphanLister interface {
	ListOrphanedUsers(ctx context.Context) ([]directory.User, error)
}

type adminHandler struct {
	orphans OrphanLister
}

func newAdminHandler(orphans OrphanLister) *adminHandler {
	return &adminHandler{orphans: orphans}
}

type orphanView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      role.Role `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListOrphans handles GET /api/v1/admin/orphans.
func (h *adminHandler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	users, err := h.orphans.ListOrphanedUsers(r.Context())
	if err != nil {
		slog.Error("failed to list orphaned users", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "service temporarily unavailable")
		return
	}

	out := make([]orphanView, 0, len(users))
	for _, u := range users {
		out = append(out, orphanView{ID: u.ID, Email: u.Email, Role: u.Role, CreatedAt: u.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": out, "count": len(out)})
}

type meResponse struct {
	UserID string    `json:"userId"`
	Email  string    `json:"email"`
	Role   role.Role `json:"role"`
	ClubID string    `json:"clubId,omitempty"`
}

// Me handles GET /api/v1/me.
func Me(w http.ResponseWriter, r *http.Request) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{UserID: u.ID, Email: u.Email, Role: u.Role, ClubID: u.ClubID})
}
