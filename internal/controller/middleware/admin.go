package middleware

import (
	"crypto/subtle"
	"net/http"
)

// RequireAdminToken guards operator endpoints (tenant creation, ownership
// snapshots) with a static bearer token. An empty token disables the guard.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, "Invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
