/**
 * @description
 * This file defines the core domain models for the sync-service.
 * These structs represent the main entities used throughout the service's
 * synchronization logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents),
 *   which avoids floating-point inaccuracies with financial data.
 * - Upstream (Plaid) identifiers are kept as opaque strings; local rows get
 *   their own UUIDs so the ledger never depends on provider id formats.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sync status values stored on a connection. A NULL/empty status is treated
// as idle at the orchestrator's entry guard.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// Connection represents one authorization grant to the upstream account
// aggregator for one user. It maps to the `connections` table.
type Connection struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	PlaidItemID     string     `json:"plaid_item_id"`
	AccessToken     string     `json:"-"`
	Environment     string     `json:"environment"` // 'sandbox' or 'production'
	InstitutionName *string    `json:"institution_name,omitempty"`
	Cursor          *string    `json:"cursor,omitempty"`
	SyncStatus      *string    `json:"sync_status,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	NewAccounts     bool       `json:"new_accounts_available"`
	Revoked         bool       `json:"revoked"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Account is a financial account under a connection. Rows are created on the
// first sync that sees the account and never deleted by the sync engine.
type Account struct {
	ID             uuid.UUID `json:"id"`
	ConnectionID   uuid.UUID `json:"connection_id"`
	PlaidAccountID string    `json:"plaid_account_id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Subtype        *string   `json:"subtype,omitempty"`
	Balances       Balances  `json:"balances"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Balances is the balance snapshot stored on an account as a JSON blob.
type Balances struct {
	Available int64  `json:"available"` // in cents
	Current   int64  `json:"current"`   // in cents
	Currency  string `json:"currency"`
}

// LocalTransaction is the canonical ledger row. At most one row exists per
// (account, plaid_transaction_id); the reconciliation engine upserts on that
// key.
type LocalTransaction struct {
	ID                 uuid.UUID  `json:"id"`
	AccountID          uuid.UUID  `json:"account_id"`
	PlaidTransactionID string     `json:"plaid_transaction_id"`
	Amount             int64      `json:"amount"` // in cents; positive = money in
	Currency           string     `json:"currency"`
	Pending            bool       `json:"pending"`
	// PendingPlaidID is set only while a posted transaction supersedes a
	// still-visible pending one.
	PendingPlaidID *string    `json:"pending_plaid_transaction_id,omitempty"`
	Description    string     `json:"description"`
	Category       *string    `json:"category,omitempty"`
	LogoURL        *string    `json:"logo_url,omitempty"`
	PostedAt       *time.Time `json:"posted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncBatch is the ephemeral result of one fetch round. It is never
// persisted; the orchestrator feeds it straight to the reconciler.
type SyncBatch struct {
	Added      []PlaidTransaction
	Modified   []PlaidTransaction
	Removed    []string // upstream transaction ids
	NextCursor string
	HasMore    bool
}

// SyncSummary is returned to the caller after a sync run.
type SyncSummary struct {
	TransactionsSynced  int    `json:"transactions_synced"`
	PendingPromoted     int    `json:"pending_transactions_updated"`
	AccountsUpdated     int    `json:"accounts_updated"`
	RecordsSkipped      int    `json:"records_skipped,omitempty"`
	Cursor              string `json:"cursor,omitempty"`
	BalanceRefreshRan   bool   `json:"-"`
	BalanceRefreshFails int    `json:"-"`
}

// SyncRequest is the DTO for the direct sync trigger endpoint.
type SyncRequest struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	UserID       uuid.UUID `json:"user_id"`
	ForceSync    bool      `json:"force_sync"`
}
