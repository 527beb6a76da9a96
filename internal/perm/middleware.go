package perm

import (
	"log/slog"
	"net/http"

	"github.com/halcyon-admin/halcyon/internal/shared"
)

// Middleware wires permission checks into HTTP handlers.
type Middleware struct {
	Query  *Query
	Logger *slog.Logger
}

// RequireKey ensures the current user passes the access check for key. A
// request without an authenticated actor, or whose actor fails the check, is
// rejected with 403; the response never reveals why.
func (m Middleware) RequireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := shared.ActorFromContext(r.Context())
			if actor == nil {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if !m.Query.IsAllowed(r.Context(), actor.UserID, key) {
				if m.Logger != nil {
					m.Logger.Debug("access denied", slog.Int64("user", actor.UserID), slog.String("key", key))
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
