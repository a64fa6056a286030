// middleware.go

// Bearer token authentication middleware.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// TokenVerifier checks access tokens. Satisfied by *token.Codec.
type TokenVerifier interface {
	EmailFromToken(tokenString string) (string, error)
	IsValid(tokenString string) bool
}

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const emailKey contextKey = "email"

// EmailFromContext returns the authenticated caller's email.
// Returns "" and false if RequireAuth hasn't run.
func EmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(emailKey).(string)
	return email, ok
}

// RequireAuth accepts a request only if its bearer token is well-formed, signed,
// unexpired, and its owner still holds at least one refresh token.
// Injects the caller email into context on success; returns 401 otherwise.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			logWarn(r, "require auth failed", "reason", "missing_bearer")
			Unauthorized(w, r, "unauthorized")
			return
		}

		email, err := h.Tokens.EmailFromToken(raw)
		if err != nil {
			logWarn(r, "require auth failed", "reason", "invalid_token")
			Unauthorized(w, r, "unauthorized")
			return
		}
		// logged out everywhere: token still signed but no session backs it
		if !h.Svc.CanRefresh(r.Context(), email) {
			logWarn(r, "require auth failed", "reason", "no_active_session")
			Unauthorized(w, r, "unauthorized")
			return
		}
		if !h.Tokens.IsValid(raw) {
			logWarn(r, "require auth failed", "reason", "expired_token")
			Unauthorized(w, r, "unauthorized")
			return
		}

		logDebug(r, "request authenticated", "email", email)
		ctx := context.WithValue(r.Context(), emailKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
