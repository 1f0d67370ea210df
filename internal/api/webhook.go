/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * the account-aggregation provider. It is the asynchronous entry point into
 * the sync engine: after cryptographic verification, events are dispatched
 * by type and code.
 *
 * Routing:
 * - TRANSACTIONS update codes (several sub-kinds, all treated identically)
 *   trigger a sync for the associated connection.
 * - TRANSACTIONS_REMOVED deletes the named rows directly, no full sync.
 * - ITEM lifecycle codes update connection metadata and are logged.
 * - Unknown types/codes are logged and ignored (forward-compatible).
 *
 * The provider always gets a 200 for verified deliveries regardless of
 * internal outcome; internal errors are logged, not surfaced, to avoid
 * provider retry storms against a permanently-broken payload.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/google/uuid: For connection ids.
 * - internal/app, internal/domain, internal/store: Sync engine and models.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/app"
	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/internal/store"
)

// PlaidVerificationHeader carries the signed verification token. Header
// lookup through http.Header is case-insensitive.
const PlaidVerificationHeader = "Plaid-Verification"

// WebhookHandler processes incoming webhooks from the provider.
type WebhookHandler struct {
	service  *app.Service
	verifier *WebhookVerifier
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(service *app.Service, verifier *WebhookVerifier) *WebhookHandler {
	return &WebhookHandler{service: service, verifier: verifier}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"failed to read body\" err=%v", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	// Verification gates everything: an unverified delivery must never
	// reach the orchestrator.
	if err := h.verifier.Verify(r.Context(), r.Header.Get(PlaidVerificationHeader), body); err != nil {
		log.Println("level=warn component=webhook msg=\"verification failed; delivery rejected\"")
		http.Error(w, "Verification failed", http.StatusUnauthorized)
		return
	}

	var event domain.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=webhook msg=\"invalid json payload\" err=%v", err)
		// Verified but malformed: acknowledge so the provider does not
		// retry a payload that can never parse.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received"))
		return
	}

	log.Printf("level=info component=webhook msg=\"webhook received\" type=%s code=%s item_id=%s",
		event.WebhookType, event.WebhookCode, event.ItemID)

	h.dispatch(r.Context(), event)

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// dispatch routes a verified event. All failures are logged, never returned:
// the HTTP response to the provider is already decided.
func (h *WebhookHandler) dispatch(ctx context.Context, event domain.WebhookEvent) {
	conn, err := h.service.FindConnectionByItemID(ctx, event.ItemID)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"connection lookup failed\" item_id=%s err=%v", event.ItemID, err)
		return
	}

	switch event.WebhookType {
	case domain.WebhookTypeTransactions:
		h.dispatchTransactions(ctx, conn.ID, event)
	case domain.WebhookTypeItem:
		h.dispatchItem(ctx, conn.ID, event)
	default:
		log.Printf("level=info component=webhook msg=\"unhandled webhook type; ignored\" type=%s code=%s", event.WebhookType, event.WebhookCode)
	}
}

func (h *WebhookHandler) dispatchTransactions(ctx context.Context, connectionID uuid.UUID, event domain.WebhookEvent) {
	switch event.WebhookCode {
	case domain.WebhookCodeSyncUpdatesAvailable,
		domain.WebhookCodeInitialUpdate,
		domain.WebhookCodeHistoricalUpdate,
		domain.WebhookCodeDefaultUpdate:
		// All transaction-update sub-kinds mean the same thing: new data is
		// waiting upstream.
		summary, err := h.service.Sync(ctx, connectionID, uuid.Nil, false)
		if err != nil {
			if errors.Is(err, store.ErrAlreadySyncing) {
				log.Printf("level=info component=webhook connection_id=%s msg=\"sync already in flight; skipped\"", connectionID)
				return
			}
			log.Printf("level=error component=webhook connection_id=%s msg=\"webhook-triggered sync failed\" err=%v", connectionID, err)
			return
		}
		log.Printf("level=info component=webhook connection_id=%s msg=\"webhook-triggered sync completed\" transactions=%d promoted=%d",
			connectionID, summary.TransactionsSynced, summary.PendingPromoted)

	case domain.WebhookCodeTransactionsRemoved:
		deleted, err := h.service.RemoveTransactions(ctx, connectionID, event.RemovedTransactions)
		if err != nil {
			log.Printf("level=error component=webhook connection_id=%s msg=\"removed-transactions delete failed\" err=%v", connectionID, err)
			return
		}
		log.Printf("level=info component=webhook connection_id=%s msg=\"removed transactions deleted\" count=%d", connectionID, deleted)

	default:
		log.Printf("level=info component=webhook connection_id=%s msg=\"unhandled transactions code; ignored\" code=%s", connectionID, event.WebhookCode)
	}
}

func (h *WebhookHandler) dispatchItem(ctx context.Context, connectionID uuid.UUID, event domain.WebhookEvent) {
	conn := &domain.Connection{ID: connectionID}
	switch event.WebhookCode {
	case domain.WebhookCodeItemError:
		code, detail := "UNKNOWN", ""
		if event.Error != nil {
			code, detail = event.Error.ErrorCode, event.Error.ErrorMessage
		}
		if err := h.service.RecordConnectionError(ctx, conn, code, detail); err != nil {
			log.Printf("level=error component=webhook connection_id=%s msg=\"failed to record connection error\" err=%v", connectionID, err)
		}
	case domain.WebhookCodeNewAccountsAvailable:
		if err := h.service.RecordNewAccountsAvailable(ctx, conn); err != nil {
			log.Printf("level=error component=webhook connection_id=%s msg=\"failed to flag new accounts\" err=%v", connectionID, err)
		}
	case domain.WebhookCodePermissionRevoked:
		if err := h.service.RecordConnectionRevoked(ctx, conn); err != nil {
			log.Printf("level=error component=webhook connection_id=%s msg=\"failed to flag revocation\" err=%v", connectionID, err)
		}
	case domain.WebhookCodePendingExpiration:
		// Consent is about to lapse; nothing to mutate yet.
		log.Printf("level=warn component=webhook connection_id=%s msg=\"connection consent expiring soon\"", connectionID)
	default:
		log.Printf("level=info component=webhook connection_id=%s msg=\"unhandled item code; ignored\" code=%s", connectionID, event.WebhookCode)
	}
}
