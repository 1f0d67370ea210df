/**
 * @description
 * This file contains the HTTP handlers for the sync-service's direct API
 * endpoints. Handlers parse incoming requests, call the sync service, and
 * map engine outcomes onto HTTP responses. They act as the bridge between
 * the web layer and the synchronization logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic,
 *   models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/app"
	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/internal/store"
)

// SyncHandlers holds the application service that handlers will use.
type SyncHandlers struct {
	service        *app.Service
	rateLimiter    *app.RedisSyncRateLimiter
	syncsPerMinute int
}

// NewSyncHandlers creates a new instance of SyncHandlers. The rate limiter
// may be nil, which disables manual-trigger limiting.
func NewSyncHandlers(service *app.Service, rateLimiter *app.RedisSyncRateLimiter, syncsPerMinute int) *SyncHandlers {
	return &SyncHandlers{
		service:        service,
		rateLimiter:    rateLimiter,
		syncsPerMinute: syncsPerMinute,
	}
}

// syncResponse mirrors the summary contract of the direct trigger endpoint.
type syncResponse struct {
	Success            bool   `json:"success"`
	TransactionsSynced int    `json:"transactions_synced"`
	PendingPromoted    int    `json:"pending_transactions_updated"`
	AccountsUpdated    int    `json:"accounts_updated"`
	Cursor             string `json:"cursor,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// TriggerSyncHandler handles direct sync requests.
func (h *SyncHandlers) TriggerSyncHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	if req.ConnectionID == uuid.Nil || req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "connection_id and user_id are required", "")
		return
	}

	if h.rateLimiter != nil && h.syncsPerMinute > 0 {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "manual_sync", req.ConnectionID.String(), h.syncsPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > h.syncsPerMinute {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many sync requests for this connection", "RATE_LIMITED")
			return
		}
	}

	summary, err := h.service.Sync(r.Context(), req.ConnectionID, req.UserID, req.ForceSync)
	if err != nil {
		h.writeSyncError(w, req.ConnectionID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, syncResponse{
		Success:            true,
		TransactionsSynced: summary.TransactionsSynced,
		PendingPromoted:    summary.PendingPromoted,
		AccountsUpdated:    summary.AccountsUpdated,
		Cursor:             summary.Cursor,
	})
}

// writeSyncError maps engine outcomes onto status codes and reason codes.
func (h *SyncHandlers) writeSyncError(w http.ResponseWriter, connectionID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrConnectionNotFound):
		h.writeError(w, http.StatusNotFound, "Connection not found", "")
	case errors.Is(err, app.ErrConnectionOwnership):
		h.writeError(w, http.StatusForbidden, "Connection does not belong to this user", "")
	case errors.Is(err, store.ErrAlreadySyncing):
		// Refused start, not an error state change; retry with force_sync
		// to override.
		h.writeError(w, http.StatusConflict, "A sync is already running for this connection", "ALREADY_SYNCING")
	case errors.Is(err, app.ErrSyncLimitExceeded):
		h.writeError(w, http.StatusUnprocessableEntity, "Sync aborted: safety cap exceeded", "SYNC_LIMIT_EXCEEDED")
	default:
		log.Printf("level=error component=api connection_id=%s msg=\"sync failed\" err=%v", connectionID, err)
		h.writeError(w, http.StatusBadGateway, "Sync failed", "UPSTREAM_ERROR")
	}
}

// syncStatusResponse is the read model served to the dashboard layer.
type syncStatusResponse struct {
	ConnectionID         string     `json:"connection_id"`
	SyncStatus           string     `json:"sync_status"`
	LastSyncedAt         *time.Time `json:"last_synced_at,omitempty"`
	ErrorCode            *string    `json:"error_code,omitempty"`
	NewAccountsAvailable bool       `json:"new_accounts_available"`
	Revoked              bool       `json:"revoked"`
}

// GetSyncStatusHandler reports a connection's synchronization state.
func (h *SyncHandlers) GetSyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	connectionID, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid connection id", "")
		return
	}

	conn, err := h.service.GetConnection(r.Context(), connectionID)
	if err != nil {
		if errors.Is(err, store.ErrConnectionNotFound) {
			h.writeError(w, http.StatusNotFound, "Connection not found", "")
			return
		}
		log.Printf("level=error component=api connection_id=%s msg=\"sync status lookup failed\" err=%v", connectionID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load sync status", "")
		return
	}

	status := domain.SyncStatusIdle
	if conn.SyncStatus != nil && *conn.SyncStatus != "" {
		status = *conn.SyncStatus
	}
	h.writeJSON(w, http.StatusOK, syncStatusResponse{
		ConnectionID:         conn.ID.String(),
		SyncStatus:           status,
		LastSyncedAt:         conn.LastSyncedAt,
		ErrorCode:            conn.ErrorCode,
		NewAccountsAvailable: conn.NewAccounts,
		Revoked:              conn.Revoked,
	})
}

func (h *SyncHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *SyncHandlers) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, errorResponse{Error: message, Code: code})
}
