package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPath reports routes served without a token or rate limit.
func publicPath(p string) bool {
	return p == "/healthz" || p == "/metrics"
}

// RequireToken returns middleware that demands token as a bearer credential.
// An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			got := ExtractToken(r)
			if got == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				respondError(w, http.StatusForbidden, "forbidden", "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractToken reads Authorization: Bearer <token>, falling back to X-API-Key.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}
