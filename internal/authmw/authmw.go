// Package authmw carries the HTTP middleware for the engine's trust
// boundary: static bearer-token auth for API callers and the assessor
// identity header recorded on assessments.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerScheme = "Bearer "

// BearerToken returns middleware rejecting requests whose Authorization
// header does not carry the configured token. The comparison is
// constant-time so response latency leaks nothing about the token.
func BearerToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, bearerScheme) {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len(bearerScheme):])

			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
