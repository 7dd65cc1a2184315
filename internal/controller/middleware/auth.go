// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"vmplane/internal/auth"
	"vmplane/pkg/api"
)

// identityKey is the context key for the verified caller.
type identityKey struct{}

// NewContextWithIdentity returns a context carrying id.
func NewContextWithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the verified caller.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}

// TenantIDFromContext extracts the caller's tenant.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.TenantID == "" {
		return "", false
	}
	return id.TenantID, true
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Authenticate verifies the bearer token and stores the caller identity in the
// request context. Every operation downstream is scoped by its tenant.
func Authenticate(v auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Missing or invalid authorization header")
				return
			}

			id, err := v.Verify(r.Context(), token)
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Invalid credentials")
				return
			}
			if err != nil {
				logger.ErrorContext(r.Context(), "credential verification failed", "error", err)
				writeError(w, http.StatusInternalServerError, api.CodeInternal, "Internal server error")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole rejects callers whose identity has none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Unauthorized")
				return
			}
			for _, role := range roles {
				if id.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, api.CodeForbidden, "Requires role "+strings.Join(roles, " or "))
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg, Code: code})
}
