package middleware

import (
	"crypto/subtle"
	"net/http"

	"vmplane/internal/auth"
	"vmplane/pkg/api"
)

// SystemUID identifies callers holding the system secret.
const SystemUID = "system"

// RequireInternalAuth guards the tenant bootstrap endpoints with the system
// secret and runs them as an admin identity bound to no tenant. An empty
// secret disables them.
func RequireInternalAuth(systemSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if systemSecret == "" {
				writeError(w, http.StatusNotFound, api.CodeNotFound, "Tenant bootstrap is disabled")
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Missing or invalid authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(systemSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Invalid system secret")
				return
			}

			id := auth.Identity{UID: SystemUID, Roles: []string{auth.RoleAdmin}}
			next.ServeHTTP(w, r.WithContext(NewContextWithIdentity(r.Context(), id)))
		})
	}
}
