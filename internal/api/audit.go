package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/clubpass/internal/auth"
	"github.com/alecgard/clubpass/internal/ratelimit"
)

// auditLog emits a structured audit entry for a state-changing request.
func auditLog(r *http.Request, action, resourceType, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", ratelimit.ClientKey(r),
		"request_id", RequestIDFromContext(r.Context()),
	}
	if u := auth.UserFromContext(r.Context()); u != nil {
		attrs = append(attrs, "actor_id", u.ID, "actor_role", u.Role)
	}
	attrs = append(attrs, detail...)
	slog.InfoContext(r.Context(), "audit", attrs...)
}
