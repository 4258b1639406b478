package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey int

const userContextKey contextKey = iota

// ContextWithUser returns a new context carrying the given user.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext extracts the user from the context, or nil if not present.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// Observer receives authentication outcomes. metrics.Metrics satisfies it.
type Observer interface {
	IncAuthFailure(reason string)
	IncAuthSuccess()
}

type nopObserver struct{}

func (nopObserver) IncAuthFailure(string) {}
func (nopObserver) IncAuthSuccess()       {}

// SessionMiddleware validates the bearer session token and injects the user
// into the request context.
func SessionMiddleware(sessions SessionLookup, obs Observer) func(http.Handler) http.Handler {
	if obs == nil {
		obs = nopObserver{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				obs.IncAuthFailure("missing_token")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			user, err := sessions.LookupSession(r.Context(), token)
			switch {
			case errors.Is(err, ErrNoSession) || (err == nil && user == nil):
				obs.IncAuthFailure("invalid_session")
				writeUnauthorized(w, "invalid or expired session")
				return
			case err != nil:
				obs.IncAuthFailure("lookup_error")
				writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable")
				return
			}

			obs.IncAuthSuccess()
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireClubAdmin admits club admins of the {clubID} URL parameter and super
// admins. It must run after SessionMiddleware.
func RequireClubAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			writeUnauthorized(w, "authentication required")
			return
		}
		if !user.CanManageClub(chi.URLParam(r, "clubID")) {
			writeForbidden(w, "club admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSuperAdmin admits super admins only. It must run after
// SessionMiddleware.
func RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			writeUnauthorized(w, "authentication required")
			return
		}
		if !user.IsSuperAdmin() {
			writeForbidden(w, "super admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, "forbidden", message)
}
