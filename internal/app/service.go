/**
 * @description
 * This file contains the sync orchestrator for the sync-service. The
 * `Service` struct owns the per-connection lock (the sync_status column),
 * drives repeated fetch+reconcile rounds until the upstream is exhausted or
 * a safety cap aborts the run, and persists the cursor only after full
 * success.
 *
 * Key features:
 * - Check-and-set entry guard against the shared store; concurrent triggers
 *   on the same connection get ErrAlreadySyncing unless forceSync is set.
 * - Rounds run sequentially (each depends on the previous round's cursor);
 *   independent connections sync fully in parallel.
 * - On any unrecoverable error the prior cursor is left untouched and the
 *   connection lands in the error state; errors are returned values, never
 *   panics past the API boundary.
 * - Optional post-sync balance refresh, tolerant of per-account failure.
 * - Publishes run outcomes to RabbitMQ for downstream consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For connection/user ids.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/internal/store"
	"github.com/ledgerline/sync-service/pkg/rabbitmq"
)

// Service provides the core synchronization logic.
type Service struct {
	repo          store.Repository
	fetcher       *Fetcher
	provider      UpstreamClient
	eventProducer rabbitmq.Publisher
}

// NewService creates a new sync service instance.
func NewService(repo store.Repository, fetcher *Fetcher, provider UpstreamClient, producer rabbitmq.Publisher) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:          repo,
		fetcher:       fetcher,
		provider:      provider,
		eventProducer: producer,
	}
}

// Sync runs one full synchronization for a connection. userID, when not nil,
// must own the connection (direct API triggers pass it; webhook triggers use
// uuid.Nil). force bypasses the already-syncing guard for manual retries.
func (s *Service) Sync(ctx context.Context, connectionID, userID uuid.UUID, force bool) (*domain.SyncSummary, error) {
	if userID != uuid.Nil {
		conn, err := s.repo.FindConnectionByID(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		if conn.UserID != userID {
			return nil, ErrConnectionOwnership
		}
	}

	// The guard and the status flip are a single statement against the
	// shared store. Two callers racing past a stale read are tolerated:
	// reconciliation is idempotent, so at-least-once invocation is safe.
	conn, err := s.repo.ClaimConnectionForSync(ctx, connectionID, force)
	if err != nil {
		return nil, err
	}

	summary, err := s.runLocked(ctx, conn)
	if err != nil {
		if failErr := s.repo.FailSync(ctx, connectionID); failErr != nil {
			log.Printf("level=error component=sync connection_id=%s msg=\"failed to record error state\" err=%v", connectionID, failErr)
		}
		s.publishSyncFailed(ctx, conn, err)
		return nil, err
	}

	s.publishSyncCompleted(ctx, conn, summary)
	return summary, nil
}

// runLocked executes the fetch+reconcile rounds while the connection is
// claimed. The caller releases the claim into idle or error.
func (s *Service) runLocked(ctx context.Context, conn *domain.Connection) (*domain.SyncSummary, error) {
	accountIDs, err := s.ensureAccounts(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to provision accounts: %w", err)
	}

	reconciler := NewReconciler(s.repo)
	run := s.fetcher.Start(conn)
	summary := &domain.SyncSummary{}
	var lastCursor string

	for {
		batch, err := run.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		result, err := reconciler.Reconcile(ctx, conn, accountIDs, batch)
		if err != nil {
			return nil, err
		}
		summary.TransactionsSynced += result.Upserted
		summary.PendingPromoted += result.Promoted
		summary.RecordsSkipped += result.Skipped
		lastCursor = batch.NextCursor
	}

	// Snapshot mode never writes a cursor; incremental mode persists the
	// final cursor only now, after every round reconciled cleanly.
	var cursor *string
	if run.Mode() == ModeIncremental {
		cursor = &lastCursor
		summary.Cursor = lastCursor
	}
	if err := s.repo.CompleteSync(ctx, conn.ID, cursor, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to persist sync completion: %w", err)
	}

	// The snapshot endpoint does not return fresh balances, so the refresher
	// only runs for incremental connections. Failures here never undo the
	// already-committed reconciliation.
	if run.Mode() == ModeIncremental {
		summary.BalanceRefreshRan = true
		updated, failed := s.refreshBalances(ctx, conn, accountIDs)
		summary.AccountsUpdated = updated
		summary.BalanceRefreshFails = failed
	}

	log.Printf("level=info component=sync connection_id=%s mode=%s msg=\"sync completed\" transactions=%d promoted=%d skipped=%d accounts_updated=%d",
		conn.ID, run.Mode(), summary.TransactionsSynced, summary.PendingPromoted, summary.RecordsSkipped, summary.AccountsUpdated)
	return summary, nil
}

// ensureAccounts upserts the provider's current account list so every
// incoming record can map to a local row, and returns the mapping.
func (s *Service) ensureAccounts(ctx context.Context, conn *domain.Connection) (map[string]uuid.UUID, error) {
	resp, err := s.provider.GetAccounts(ctx, conn.AccessToken)
	if err != nil {
		return nil, err
	}

	accountIDs := make(map[string]uuid.UUID, len(resp.Accounts))
	for _, acct := range resp.Accounts {
		account := &domain.Account{
			ConnectionID:   conn.ID,
			PlaidAccountID: acct.AccountID,
			Name:           resolveAccountName(acct),
			Type:           acct.Type,
			Balances:       NormalizeBalances(acct.Balances),
		}
		if acct.Subtype != "" {
			subtype := acct.Subtype
			account.Subtype = &subtype
		}
		id, err := s.repo.UpsertAccount(ctx, account)
		if err != nil {
			return nil, err
		}
		accountIDs[acct.AccountID] = id
	}
	return accountIDs, nil
}

func resolveAccountName(acct domain.PlaidAccount) string {
	if acct.Name != "" {
		return acct.Name
	}
	if acct.OfficialName != "" {
		return acct.OfficialName
	}
	return "Account"
}

// refreshBalances re-fetches balances after a successful sync and writes
// them per account. One account's failure must not block its siblings, so
// errors are logged and counted, never returned.
func (s *Service) refreshBalances(ctx context.Context, conn *domain.Connection, accountIDs map[string]uuid.UUID) (updated, failed int) {
	resp, err := s.provider.GetAccounts(ctx, conn.AccessToken)
	if err != nil {
		log.Printf("level=warn component=sync connection_id=%s msg=\"balance refresh fetch failed\" err=%v", conn.ID, err)
		return 0, len(accountIDs)
	}

	for _, acct := range resp.Accounts {
		localID, ok := accountIDs[acct.AccountID]
		if !ok {
			continue
		}
		if err := s.repo.UpdateAccountBalances(ctx, localID, NormalizeBalances(acct.Balances)); err != nil {
			log.Printf("level=warn component=sync connection_id=%s account_id=%s msg=\"balance update failed\" err=%v", conn.ID, localID, err)
			failed++
			continue
		}
		updated++
	}
	return updated, failed
}

// RemoveTransactions deletes the named ledger rows for a connection without
// running a full sync. Used by the removed-transactions webhook.
func (s *Service) RemoveTransactions(ctx context.Context, connectionID uuid.UUID, plaidIDs []string) (int64, error) {
	return s.repo.DeleteTransactionsByPlaidIDs(ctx, connectionID, plaidIDs)
}

// FindConnectionByItemID resolves the connection a webhook refers to.
func (s *Service) FindConnectionByItemID(ctx context.Context, plaidItemID string) (*domain.Connection, error) {
	return s.repo.FindConnectionByItemID(ctx, plaidItemID)
}

// GetConnection returns a connection for the read API.
func (s *Service) GetConnection(ctx context.Context, connectionID uuid.UUID) (*domain.Connection, error) {
	return s.repo.FindConnectionByID(ctx, connectionID)
}

// RecordConnectionError stores a provider-reported error code on the
// connection and notifies downstream consumers. Does not trigger a sync.
func (s *Service) RecordConnectionError(ctx context.Context, conn *domain.Connection, errorCode, detail string) error {
	if err := s.repo.SetConnectionErrorCode(ctx, conn.ID, errorCode); err != nil {
		return err
	}
	s.publishLifecycle(ctx, conn, "error", detail)
	return nil
}

// RecordNewAccountsAvailable flags the connection for relinking.
func (s *Service) RecordNewAccountsAvailable(ctx context.Context, conn *domain.Connection) error {
	if err := s.repo.MarkNewAccountsAvailable(ctx, conn.ID); err != nil {
		return err
	}
	s.publishLifecycle(ctx, conn, "new_accounts_available", "")
	return nil
}

// RecordConnectionRevoked flags the connection after upstream revocation.
func (s *Service) RecordConnectionRevoked(ctx context.Context, conn *domain.Connection) error {
	if err := s.repo.MarkConnectionRevoked(ctx, conn.ID); err != nil {
		return err
	}
	s.publishLifecycle(ctx, conn, "revoked", "")
	return nil
}

func (s *Service) publishSyncCompleted(ctx context.Context, conn *domain.Connection, summary *domain.SyncSummary) {
	event := domain.SyncCompletedEvent{
		ConnectionID:       conn.ID.String(),
		UserID:             conn.UserID.String(),
		TransactionsSynced: summary.TransactionsSynced,
		PendingPromoted:    summary.PendingPromoted,
		AccountsUpdated:    summary.AccountsUpdated,
		Timestamp:          time.Now().UTC(),
	}
	if err := s.eventProducer.PublishSyncCompleted(ctx, event); err != nil {
		log.Printf("level=warn component=sync connection_id=%s msg=\"sync completed event publish failed\" err=%v", conn.ID, err)
	}
}

func (s *Service) publishSyncFailed(ctx context.Context, conn *domain.Connection, runErr error) {
	reason := "upstream_error"
	if errors.Is(runErr, ErrSyncLimitExceeded) {
		reason = "sync_limit_exceeded"
	}
	event := domain.SyncFailedEvent{
		ConnectionID: conn.ID.String(),
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.eventProducer.PublishSyncFailed(ctx, event); err != nil {
		log.Printf("level=warn component=sync connection_id=%s msg=\"sync failed event publish failed\" err=%v", conn.ID, err)
	}
}

func (s *Service) publishLifecycle(ctx context.Context, conn *domain.Connection, eventType, detail string) {
	event := domain.ConnectionLifecycleEvent{
		ConnectionID: conn.ID.String(),
		EventType:    eventType,
		Detail:       detail,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.eventProducer.PublishConnectionLifecycle(ctx, event); err != nil {
		log.Printf("level=warn component=sync connection_id=%s msg=\"lifecycle event publish failed\" event_type=%s err=%v", conn.ID, eventType, err)
	}
}
