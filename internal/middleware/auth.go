package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/brickswap/backend/internal/models"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator resolves a bearer token to the caller's identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*models.Identity, error)
}

// Authenticate requires a Bearer token. A missing token is 401; a token that
// does not validate is 403. On success the identity is put into the request context.
func Authenticate(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "access token required")
				return
			}
			id, err := v.ValidateToken(r.Context(), raw)
			if err != nil || id == nil {
				writeError(w, http.StatusForbidden, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromCtx(r.Context())
		if id == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !id.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromCtx returns the authenticated caller or nil.
func IdentityFromCtx(ctx context.Context) *models.Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*models.Identity)
	return id
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
