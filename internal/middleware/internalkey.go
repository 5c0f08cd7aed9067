package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalAPIKeyHeader carries the shared secret of service-to-service callers.
const InternalAPIKeyHeader = "X-Internal-API-Key"

// InternalAPIKey guards the internal routes. With an empty key every request
// is refused.
func InternalAPIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				writeJSONError(w, http.StatusForbidden, "internal api disabled")
				return
			}

			got := r.Header.Get(InternalAPIKeyHeader)
			if got == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
