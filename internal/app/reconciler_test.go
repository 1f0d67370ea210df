package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/internal/store"
)

type appliedRound struct {
	removed []string
	upserts []domain.LocalTransaction
}

// reconcilerRepoStub records ApplyReconciliation calls so tests can assert
// on the exact deletes and upserts a batch produced.
type reconcilerRepoStub struct {
	store.Repository
	rounds   []appliedRound
	applyErr error
}

func (s *reconcilerRepoStub) ApplyReconciliation(ctx context.Context, connectionID uuid.UUID, removedPlaidIDs []string, upserts []domain.LocalTransaction) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.rounds = append(s.rounds, appliedRound{removed: removedPlaidIDs, upserts: upserts})
	return nil
}

func testConnection() *domain.Connection {
	return &domain.Connection{ID: uuid.New(), UserID: uuid.New(), Environment: "production"}
}

func posted(id, pendingID, accountID, amount string) domain.PlaidTransaction {
	tx := domain.PlaidTransaction{
		TransactionID: id,
		AccountID:     accountID,
		Amount:        json.Number(amount),
	}
	if pendingID != "" {
		tx.PendingTransactionID = &pendingID
	}
	return tx
}

func TestReconcile_PromotionDeletesPendingRow(t *testing.T) {
	repo := &reconcilerRepoStub{}
	conn := testConnection()
	accountIDs := map[string]uuid.UUID{"acc_1": uuid.New()}

	batch := &domain.SyncBatch{
		Added: []domain.PlaidTransaction{posted("t2", "t2p", "acc_1", "12.50")},
	}

	result, err := NewReconciler(repo).Reconcile(context.Background(), conn, accountIDs, batch)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Promoted != 1 {
		t.Fatalf("expected 1 promotion, got %d", result.Promoted)
	}
	if result.Upserted != 1 {
		t.Fatalf("expected 1 upsert, got %d", result.Upserted)
	}
	if len(repo.rounds) != 1 {
		t.Fatalf("expected 1 applied round, got %d", len(repo.rounds))
	}
	round := repo.rounds[0]
	if len(round.removed) != 1 || round.removed[0] != "t2p" {
		t.Fatalf("expected pending id t2p in deletion set, got %v", round.removed)
	}
	if round.upserts[0].PlaidTransactionID != "t2" {
		t.Fatalf("expected posted record t2 upserted, got %s", round.upserts[0].PlaidTransactionID)
	}
}

func TestReconcile_RemovedAndPromotionCollapseToOneDelete(t *testing.T) {
	repo := &reconcilerRepoStub{}
	conn := testConnection()
	accountIDs := map[string]uuid.UUID{"acc_1": uuid.New()}

	// The provider both removes the pending row explicitly and references it
	// from the posted replacement. The deletion set must hold it once.
	batch := &domain.SyncBatch{
		Added:   []domain.PlaidTransaction{posted("t2", "t2p", "acc_1", "12.50")},
		Removed: []string{"t2p"},
	}

	result, err := NewReconciler(repo).Reconcile(context.Background(), conn, accountIDs, batch)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected exactly 1 deletion, got %d", result.Deleted)
	}
	if got := repo.rounds[0].removed; len(got) != 1 || got[0] != "t2p" {
		t.Fatalf("expected single t2p delete, got %v", got)
	}
}

func TestReconcile_SkipsMalformedRecords(t *testing.T) {
	repo := &reconcilerRepoStub{}
	conn := testConnection()
	accountIDs := map[string]uuid.UUID{"acc_1": uuid.New()}

	batch := &domain.SyncBatch{
		Added: []domain.PlaidTransaction{
			posted("", "", "acc_1", "1.00"),         // missing upstream id
			posted("t1", "", "acc_unmapped", "1.00"), // account not mapped
			posted("t2", "", "acc_1", "not-a-number"),
			posted("t3", "", "acc_1", "5.00"),
		},
	}

	result, err := NewReconciler(repo).Reconcile(context.Background(), conn, accountIDs, batch)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Skipped != 3 {
		t.Fatalf("expected 3 skips, got %d", result.Skipped)
	}
	if result.Upserted != 1 {
		t.Fatalf("expected 1 upsert, got %d", result.Upserted)
	}
	if repo.rounds[0].upserts[0].PlaidTransactionID != "t3" {
		t.Fatalf("expected only t3 to survive, got %v", repo.rounds[0].upserts)
	}
}

func TestReconcile_StorageFailureIsFatal(t *testing.T) {
	storeErr := errors.New("deadlock detected")
	repo := &reconcilerRepoStub{applyErr: storeErr}
	conn := testConnection()
	accountIDs := map[string]uuid.UUID{"acc_1": uuid.New()}

	batch := &domain.SyncBatch{
		Added: []domain.PlaidTransaction{posted("t1", "", "acc_1", "1.00")},
	}

	if _, err := NewReconciler(repo).Reconcile(context.Background(), conn, accountIDs, batch); !errors.Is(err, storeErr) {
		t.Fatalf("expected storage error to propagate, got %v", err)
	}
}

func TestReconcile_SameBatchTwiceProducesSameWrites(t *testing.T) {
	repo := &reconcilerRepoStub{}
	conn := testConnection()
	accountIDs := map[string]uuid.UUID{"acc_1": uuid.New()}

	batch := &domain.SyncBatch{
		Added:    []domain.PlaidTransaction{posted("t2", "t2p", "acc_1", "12.50")},
		Modified: []domain.PlaidTransaction{posted("t5", "", "acc_1", "-3.00")},
		Removed:  []string{"t9"},
	}

	reconciler := NewReconciler(repo)
	first, err := reconciler.Reconcile(context.Background(), conn, accountIDs, batch)
	if err != nil {
		t.Fatalf("first pass: expected nil error, got %v", err)
	}
	second, err := reconciler.Reconcile(context.Background(), conn, accountIDs, batch)
	if err != nil {
		t.Fatalf("second pass: expected nil error, got %v", err)
	}

	if *first != *second {
		t.Fatalf("expected identical results, got %+v then %+v", first, second)
	}
	a, b := repo.rounds[0], repo.rounds[1]
	sort.Strings(a.removed)
	sort.Strings(b.removed)
	if len(a.removed) != len(b.removed) || len(a.upserts) != len(b.upserts) {
		t.Fatalf("expected identical writes across passes: %+v vs %+v", a, b)
	}
	for i := range a.removed {
		if a.removed[i] != b.removed[i] {
			t.Fatalf("deletion sets diverge: %v vs %v", a.removed, b.removed)
		}
	}
}
