/**
 * @description
 * This file implements the reconciliation engine: it merges one upstream
 * batch of added/modified/removed records into the local ledger while
 * holding the uniqueness and pending-promotion invariants.
 *
 * Algorithm per batch:
 *  1. Normalize every added record, collecting a promotion mapping from
 *     pending identity to its posted replacement.
 *  2. Delete the union of the removed identities and the promotion keys.
 *     The union makes the "two deletion signals for one row" case (explicit
 *     removal plus implicit promotion) a single idempotent delete.
 *  3. Upsert all normalized added and modified records keyed by upstream
 *     transaction identity. Deletes run before upserts so a posted
 *     replacement can never collide with a not-yet-deleted pending row.
 *
 * Malformed individual records are skipped and counted; a storage failure is
 * fatal to the round so the caller never advances the cursor past it.
 *
 * @dependencies
 * - context, log: Standard Go libraries.
 * - github.com/google/uuid: Account row ids.
 * - internal/domain, internal/store: Models and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/internal/store"
)

// Reconciler merges upstream batches into the ledger.
type Reconciler struct {
	repo store.Repository
}

// NewReconciler creates a Reconciler backed by the given repository.
func NewReconciler(repo store.Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

// ReconcileResult summarizes what one batch did to the ledger.
type ReconcileResult struct {
	Upserted int
	Promoted int
	Deleted  int
	Skipped  int
}

// Reconcile applies one batch for a connection. accountIDs maps upstream
// account ids to local account rows; records for unmapped accounts are
// skipped and counted, never fatal.
func (r *Reconciler) Reconcile(ctx context.Context, conn *domain.Connection, accountIDs map[string]uuid.UUID, batch *domain.SyncBatch) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	deletions := make(map[string]struct{}, len(batch.Removed))
	for _, id := range batch.Removed {
		deletions[id] = struct{}{}
	}

	upserts := make([]domain.LocalTransaction, 0, len(batch.Added)+len(batch.Modified))

	for _, rec := range batch.Added {
		tx, ok := r.normalizeRecord(conn, accountIDs, rec, result)
		if !ok {
			continue
		}
		if tx.PendingPlaidID != nil {
			// Promotion: the posted record supersedes a still-visible
			// pending row. Its identity joins the deletion set.
			if _, seen := deletions[*tx.PendingPlaidID]; !seen {
				deletions[*tx.PendingPlaidID] = struct{}{}
			}
			result.Promoted++
		}
		upserts = append(upserts, tx)
	}

	for _, rec := range batch.Modified {
		tx, ok := r.normalizeRecord(conn, accountIDs, rec, result)
		if !ok {
			continue
		}
		upserts = append(upserts, tx)
	}

	removedIDs := make([]string, 0, len(deletions))
	for id := range deletions {
		removedIDs = append(removedIDs, id)
	}

	if err := r.repo.ApplyReconciliation(ctx, conn.ID, removedIDs, upserts); err != nil {
		return nil, fmt.Errorf("failed to apply reconciliation round: %w", err)
	}

	result.Upserted = len(upserts)
	result.Deleted = len(removedIDs)
	return result, nil
}

// normalizeRecord runs the normalizer over one record, mapping its account.
// Returns false (and bumps the skip counter) for any per-record failure.
func (r *Reconciler) normalizeRecord(conn *domain.Connection, accountIDs map[string]uuid.UUID, rec domain.PlaidTransaction, result *ReconcileResult) (domain.LocalTransaction, bool) {
	if rec.TransactionID == "" {
		log.Printf("level=warn component=reconciler connection_id=%s msg=\"record missing transaction id; skipped\"", conn.ID)
		result.Skipped++
		return domain.LocalTransaction{}, false
	}

	accountID, ok := accountIDs[rec.AccountID]
	if !ok {
		log.Printf("level=warn component=reconciler connection_id=%s plaid_transaction_id=%s msg=\"account not mapped; skipped\" plaid_account_id=%s", conn.ID, rec.TransactionID, rec.AccountID)
		result.Skipped++
		return domain.LocalTransaction{}, false
	}

	tx, err := NormalizeTransaction(rec, accountID)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			log.Printf("level=warn component=reconciler connection_id=%s plaid_transaction_id=%s msg=\"invalid amount; skipped\" amount=%q", conn.ID, rec.TransactionID, rec.Amount.String())
			result.Skipped++
			return domain.LocalTransaction{}, false
		}
		// The normalizer has no other failure mode today; treat anything new
		// as a skip too rather than aborting the batch.
		log.Printf("level=warn component=reconciler connection_id=%s plaid_transaction_id=%s msg=\"normalize failed; skipped\" err=%v", conn.ID, rec.TransactionID, err)
		result.Skipped++
		return domain.LocalTransaction{}, false
	}
	return tx, true
}
