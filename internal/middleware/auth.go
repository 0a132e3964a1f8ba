package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/compendiumnav/navsync/internal/auth"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// BearerAuth verifies relay tokens on the wrapped routes. An empty secret
// leaves the routes open.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateRelayToken(parts[1], secret)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFrom returns the token claims BearerAuth attached, if any.
func ClaimsFrom(ctx context.Context) (*auth.TokenClaims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*auth.TokenClaims)
	return c, ok
}
