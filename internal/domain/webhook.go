/**
 * @description
 * This file defines the payload models for webhooks delivered by the
 * upstream provider. The provider signs each delivery with a JWT carried in
 * the Plaid-Verification header; these structs only describe the JSON body.
 */

package domain

import "time"

// Webhook types and codes the router dispatches on. Unknown values are
// logged and ignored so new provider events never break the endpoint.
const (
	WebhookTypeTransactions = "TRANSACTIONS"
	WebhookTypeItem         = "ITEM"

	WebhookCodeSyncUpdatesAvailable = "SYNC_UPDATES_AVAILABLE"
	WebhookCodeInitialUpdate        = "INITIAL_UPDATE"
	WebhookCodeHistoricalUpdate     = "HISTORICAL_UPDATE"
	WebhookCodeDefaultUpdate        = "DEFAULT_UPDATE"
	WebhookCodeTransactionsRemoved  = "TRANSACTIONS_REMOVED"

	WebhookCodeItemError            = "ERROR"
	WebhookCodeNewAccountsAvailable = "NEW_ACCOUNTS_AVAILABLE"
	WebhookCodePendingExpiration    = "PENDING_EXPIRATION"
	WebhookCodePermissionRevoked    = "USER_PERMISSION_REVOKED"
)

// WebhookEvent is the decoded body of one provider webhook delivery.
type WebhookEvent struct {
	WebhookType         string   `json:"webhook_type"`
	WebhookCode         string   `json:"webhook_code"`
	ItemID              string   `json:"item_id"`
	RemovedTransactions []string `json:"removed_transactions,omitempty"`
	Error               *WebhookError `json:"error,omitempty"`
}

// WebhookError carries the provider's error detail on ITEM/ERROR events.
type WebhookError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// SyncCompletedEvent is published to the event exchange after a successful
// run so dashboard and analytics consumers can refresh without polling.
type SyncCompletedEvent struct {
	ConnectionID       string    `json:"connection_id"`
	UserID             string    `json:"user_id"`
	TransactionsSynced int       `json:"transactions_synced"`
	PendingPromoted    int       `json:"pending_transactions_updated"`
	AccountsUpdated    int       `json:"accounts_updated"`
	Timestamp          time.Time `json:"timestamp"`
}

// SyncFailedEvent is published when a run aborts.
type SyncFailedEvent struct {
	ConnectionID string    `json:"connection_id"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConnectionLifecycleEvent is published when an ITEM webhook changes
// connection metadata (provider error, revocation, new accounts).
type ConnectionLifecycleEvent struct {
	ConnectionID string    `json:"connection_id"`
	EventType    string    `json:"event_type"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
