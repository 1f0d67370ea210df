/**
 * @description
 * This file sets up the HTTP router for the sync-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * middleware. The webhook endpoint stays outside the internal-auth group:
 * its authentication is the cryptographic verification of each delivery.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes creates and returns the router for the sync service.
func Routes(h *SyncHandlers, webhook *WebhookHandler, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Webhook deliveries authenticate themselves via the signed token.
	r.Post("/webhooks/plaid", webhook.ServeHTTP)

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/sync", h.TriggerSyncHandler)
		r.Get("/connections/{connectionID}/sync-status", h.GetSyncStatusHandler)
	})

	return r
}
