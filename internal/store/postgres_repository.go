/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed by the sync engine: the
 * check-and-set claim on a connection's sync_status, cursor persistence,
 * account upserts, and the transactional delete+upsert that applies one
 * reconciliation round.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ledgerline/sync-service/internal/domain"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAlreadySyncing     = errors.New("connection is already syncing")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const connectionColumns = `id, user_id, plaid_item_id, access_token, environment, institution_name,
	cursor, sync_status, last_synced_at, error_code, new_accounts_available, revoked, created_at, updated_at`

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var conn domain.Connection
	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.PlaidItemID,
		&conn.AccessToken,
		&conn.Environment,
		&conn.InstitutionName,
		&conn.Cursor,
		&conn.SyncStatus,
		&conn.LastSyncedAt,
		&conn.ErrorCode,
		&conn.NewAccounts,
		&conn.Revoked,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// FindConnectionByID retrieves a connection by its internal id.
func (r *PostgresRepository) FindConnectionByID(ctx context.Context, connectionID uuid.UUID) (*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`
	conn, err := scanConnection(r.db.QueryRow(ctx, query, connectionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

// FindConnectionByItemID retrieves a connection by the provider's item id.
// Webhooks identify the connection this way.
func (r *PostgresRepository) FindConnectionByItemID(ctx context.Context, plaidItemID string) (*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE plaid_item_id = $1`
	conn, err := scanConnection(r.db.QueryRow(ctx, query, plaidItemID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

// ClaimConnectionForSync atomically flips sync_status to 'syncing'. The guard
// and the flip are one UPDATE so concurrent callers racing on the same
// connection cannot both pass. A NULL sync_status counts as idle.
func (r *PostgresRepository) ClaimConnectionForSync(ctx context.Context, connectionID uuid.UUID, force bool) (*domain.Connection, error) {
	query := `
		UPDATE connections
		SET sync_status = 'syncing', updated_at = NOW()
		WHERE id = $1
		  AND ($2 OR sync_status IS NULL OR sync_status <> 'syncing')
		RETURNING ` + connectionColumns
	conn, err := scanConnection(r.db.QueryRow(ctx, query, connectionID, force))
	if err == nil {
		return conn, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	// No row updated: either the connection is missing or another run holds it.
	var exists bool
	if checkErr := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM connections WHERE id = $1)", connectionID).Scan(&exists); checkErr != nil {
		return nil, checkErr
	}
	if !exists {
		return nil, ErrConnectionNotFound
	}
	return nil, ErrAlreadySyncing
}

// CompleteSync releases the connection after a fully successful run. The
// cursor parameter is nil in snapshot mode, which leaves the stored cursor
// untouched.
func (r *PostgresRepository) CompleteSync(ctx context.Context, connectionID uuid.UUID, cursor *string, syncedAt time.Time) error {
	query := `
		UPDATE connections
		SET cursor = COALESCE($2, cursor),
		    sync_status = 'idle',
		    last_synced_at = $3,
		    error_code = NULL,
		    updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, connectionID, cursor, syncedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// FailSync releases the connection into the error state without touching the cursor.
func (r *PostgresRepository) FailSync(ctx context.Context, connectionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE connections SET sync_status = 'error', updated_at = NOW() WHERE id = $1", connectionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// SetConnectionErrorCode records a provider-reported error on the connection.
func (r *PostgresRepository) SetConnectionErrorCode(ctx context.Context, connectionID uuid.UUID, errorCode string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE connections SET error_code = $2, updated_at = NOW() WHERE id = $1", connectionID, errorCode)
	return err
}

// MarkNewAccountsAvailable flags the connection so the dashboard can prompt a relink.
func (r *PostgresRepository) MarkNewAccountsAvailable(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"UPDATE connections SET new_accounts_available = TRUE, updated_at = NOW() WHERE id = $1", connectionID)
	return err
}

// MarkConnectionRevoked flags the connection after the user revoked access upstream.
func (r *PostgresRepository) MarkConnectionRevoked(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"UPDATE connections SET revoked = TRUE, updated_at = NOW() WHERE id = $1", connectionID)
	return err
}

// UpsertAccount inserts an account row on first sight and refreshes the
// display fields afterwards. Returns the local row id either way.
func (r *PostgresRepository) UpsertAccount(ctx context.Context, account *domain.Account) (uuid.UUID, error) {
	balances, err := json.Marshal(account.Balances)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal balances: %w", err)
	}

	query := `
		INSERT INTO accounts (id, connection_id, plaid_account_id, name, type, subtype, balances, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (connection_id, plaid_account_id) DO UPDATE
		SET name = EXCLUDED.name,
		    type = EXCLUDED.type,
		    subtype = EXCLUDED.subtype,
		    updated_at = NOW()
		RETURNING id`
	var id uuid.UUID
	newID := account.ID
	if newID == uuid.Nil {
		newID = uuid.New()
	}
	err = r.db.QueryRow(ctx, query,
		newID, account.ConnectionID, account.PlaidAccountID,
		account.Name, account.Type, account.Subtype, balances,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AccountIDsByConnection returns the provider-account-id to local-row-id
// mapping the reconciler uses to attach transactions.
func (r *PostgresRepository) AccountIDsByConnection(ctx context.Context, connectionID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT plaid_account_id, id FROM accounts WHERE connection_id = $1", connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]uuid.UUID)
	for rows.Next() {
		var plaidID string
		var id uuid.UUID
		if err := rows.Scan(&plaidID, &id); err != nil {
			return nil, err
		}
		ids[plaidID] = id
	}
	return ids, rows.Err()
}

// UpdateAccountBalances writes a fresh balance snapshot for one account.
func (r *PostgresRepository) UpdateAccountBalances(ctx context.Context, accountID uuid.UUID, balances domain.Balances) error {
	payload, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("failed to marshal balances: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		"UPDATE accounts SET balances = $2, updated_at = NOW() WHERE id = $1", accountID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ApplyReconciliation applies one round's deletions and upserts inside a
// single database transaction. Deletes run first so a posted replacement can
// never collide with a not-yet-deleted pending row.
func (r *PostgresRepository) ApplyReconciliation(ctx context.Context, connectionID uuid.UUID, removedPlaidIDs []string, upserts []domain.LocalTransaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reconciliation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(removedPlaidIDs) > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM transactions
			WHERE plaid_transaction_id = ANY($1)
			  AND account_id IN (SELECT id FROM accounts WHERE connection_id = $2)`,
			removedPlaidIDs, connectionID)
		if err != nil {
			return fmt.Errorf("failed to delete removed transactions: %w", err)
		}
	}

	upsertQuery := `
		INSERT INTO transactions (
			id, account_id, plaid_transaction_id, amount, currency, pending,
			pending_plaid_transaction_id, description, category, logo_url,
			posted_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (account_id, plaid_transaction_id) DO UPDATE
		SET amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    pending = EXCLUDED.pending,
		    pending_plaid_transaction_id = EXCLUDED.pending_plaid_transaction_id,
		    description = EXCLUDED.description,
		    category = EXCLUDED.category,
		    logo_url = EXCLUDED.logo_url,
		    posted_at = EXCLUDED.posted_at,
		    updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, t := range upserts {
		id := t.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(upsertQuery,
			id, t.AccountID, t.PlaidTransactionID, t.Amount, t.Currency, t.Pending,
			t.PendingPlaidID, t.Description, t.Category, t.LogoURL, t.PostedAt)
	}
	if batch.Len() > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to upsert transaction: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to flush transaction upserts: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// DeleteTransactionsByPlaidIDs removes ledger rows named by the provider,
// used by the TRANSACTIONS_REMOVED webhook which skips the full sync path.
func (r *PostgresRepository) DeleteTransactionsByPlaidIDs(ctx context.Context, connectionID uuid.UUID, plaidIDs []string) (int64, error) {
	if len(plaidIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM transactions
		WHERE plaid_transaction_id = ANY($1)
		  AND account_id IN (SELECT id FROM accounts WHERE connection_id = $2)`,
		plaidIDs, connectionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
