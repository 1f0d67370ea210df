/**
 * @description
 * This file contains custom middleware for the HTTP router. The direct sync
 * trigger and read endpoints are internal: they are called by the dashboard
 * backend, never by end users, so they authenticate with a shared internal
 * API key rather than end-user tokens.
 *
 * @dependencies
 * - crypto/subtle, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAPIKeyHeader carries the shared key on internal requests.
const InternalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAuthMiddleware creates a middleware that validates the internal
// API key with a constant-time comparison.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(expected, provided) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
