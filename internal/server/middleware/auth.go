package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalKeyHeader carries the shared key of trusted internal producers.
const InternalKeyHeader = "X-Internal-Key"

// InternalAuth returns middleware that admits only requests presenting key
// in the X-Internal-Key header. Bearer tokens are ignored here: they
// authenticate end users, who must never reach internal routes. An empty key
// rejects everything.
func InternalAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeUnauthorized(w, "internal routes are disabled")
				return
			}

			token := strings.TrimSpace(r.Header.Get(InternalKeyHeader))
			if token == "" {
				writeUnauthorized(w, "missing internal key")
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				writeUnauthorized(w, "invalid internal key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
