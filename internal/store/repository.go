/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the sync-service. By defining an
 * interface, we decouple the synchronization logic from the specific database
 * implementation (PostgreSQL), making the engine testable with in-memory
 * stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Connection methods
	FindConnectionByID(ctx context.Context, connectionID uuid.UUID) (*domain.Connection, error)
	FindConnectionByItemID(ctx context.Context, plaidItemID string) (*domain.Connection, error)
	// ClaimConnectionForSync flips sync_status to 'syncing' in a single
	// statement against the shared store. It returns ErrAlreadySyncing when
	// another run holds the connection, unless force is set. A NULL status
	// is treated the same as idle.
	ClaimConnectionForSync(ctx context.Context, connectionID uuid.UUID, force bool) (*domain.Connection, error)
	// CompleteSync releases the connection on full success. A nil cursor
	// leaves the stored cursor untouched (snapshot mode never writes one).
	CompleteSync(ctx context.Context, connectionID uuid.UUID, cursor *string, syncedAt time.Time) error
	// FailSync releases the connection into the error state. The stored
	// cursor is never touched on failure.
	FailSync(ctx context.Context, connectionID uuid.UUID) error
	SetConnectionErrorCode(ctx context.Context, connectionID uuid.UUID, errorCode string) error
	MarkNewAccountsAvailable(ctx context.Context, connectionID uuid.UUID) error
	MarkConnectionRevoked(ctx context.Context, connectionID uuid.UUID) error

	// Account methods
	UpsertAccount(ctx context.Context, account *domain.Account) (uuid.UUID, error)
	AccountIDsByConnection(ctx context.Context, connectionID uuid.UUID) (map[string]uuid.UUID, error)
	UpdateAccountBalances(ctx context.Context, accountID uuid.UUID, balances domain.Balances) error

	// Transaction methods
	// ApplyReconciliation runs one round's deletions and upserts inside a
	// single database transaction: either the whole round lands or none of
	// it does, which is what lets the orchestrator keep the previous cursor
	// on failure.
	ApplyReconciliation(ctx context.Context, connectionID uuid.UUID, removedPlaidIDs []string, upserts []domain.LocalTransaction) error
	DeleteTransactionsByPlaidIDs(ctx context.Context, connectionID uuid.UUID, plaidIDs []string) (int64, error)
}
