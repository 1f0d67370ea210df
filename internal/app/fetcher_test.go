package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/pkg/plaidclient"
)

// fakeUpstream scripts the provider endpoints per call.
type fakeUpstream struct {
	syncFn     func(cursor string, count int) (*plaidclient.TransactionsSyncResponse, error)
	getFn      func(startDate, endDate time.Time, count int) (*plaidclient.TransactionsGetResponse, error)
	accountsFn func() (*plaidclient.AccountsGetResponse, error)

	syncCalls     []string // cursors, in order
	snapshotCalls int
}

func (f *fakeUpstream) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*plaidclient.TransactionsSyncResponse, error) {
	f.syncCalls = append(f.syncCalls, cursor)
	if f.syncFn == nil {
		return &plaidclient.TransactionsSyncResponse{}, nil
	}
	return f.syncFn(cursor, count)
}

func (f *fakeUpstream) GetTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time, count int) (*plaidclient.TransactionsGetResponse, error) {
	f.snapshotCalls++
	if f.getFn == nil {
		return &plaidclient.TransactionsGetResponse{}, nil
	}
	return f.getFn(startDate, endDate, count)
}

func (f *fakeUpstream) GetAccounts(ctx context.Context, accessToken string) (*plaidclient.AccountsGetResponse, error) {
	if f.accountsFn == nil {
		return &plaidclient.AccountsGetResponse{}, nil
	}
	return f.accountsFn()
}

func TestFetchRun_IncrementalPaging(t *testing.T) {
	upstream := &fakeUpstream{
		syncFn: func(cursor string, count int) (*plaidclient.TransactionsSyncResponse, error) {
			switch cursor {
			case "c0":
				return &plaidclient.TransactionsSyncResponse{
					Added:      []domain.PlaidTransaction{{TransactionID: "t1"}},
					NextCursor: "c1",
					HasMore:    true,
				}, nil
			case "c1":
				return &plaidclient.TransactionsSyncResponse{
					Added:      []domain.PlaidTransaction{{TransactionID: "t2"}},
					NextCursor: "c2",
					HasMore:    false,
				}, nil
			default:
				t.Fatalf("unexpected cursor %q", cursor)
				return nil, nil
			}
		},
	}
	fetcher := NewFetcher(upstream, FetchConfig{})

	stored := "c0"
	conn := &domain.Connection{Environment: "production", Cursor: &stored}
	run := fetcher.Start(conn)
	if run.Mode() != ModeIncremental {
		t.Fatalf("expected incremental mode, got %s", run.Mode())
	}

	first, err := run.Next(context.Background())
	if err != nil {
		t.Fatalf("round 1: expected nil error, got %v", err)
	}
	if first.NextCursor != "c1" || !first.HasMore {
		t.Fatalf("round 1: unexpected batch %+v", first)
	}

	second, err := run.Next(context.Background())
	if err != nil {
		t.Fatalf("round 2: expected nil error, got %v", err)
	}
	if second.NextCursor != "c2" || second.HasMore {
		t.Fatalf("round 2: unexpected batch %+v", second)
	}

	done, err := run.Next(context.Background())
	if err != nil || done != nil {
		t.Fatalf("expected exhausted run, got batch=%v err=%v", done, err)
	}

	if len(upstream.syncCalls) != 2 || upstream.syncCalls[0] != "c0" || upstream.syncCalls[1] != "c1" {
		t.Fatalf("expected cursors [c0 c1], got %v", upstream.syncCalls)
	}
}

func TestFetchRun_NilCursorMeansNeverSynced(t *testing.T) {
	upstream := &fakeUpstream{}
	fetcher := NewFetcher(upstream, FetchConfig{})

	run := fetcher.Start(&domain.Connection{Environment: "production"})
	if _, err := run.Next(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(upstream.syncCalls) != 1 || upstream.syncCalls[0] != "" {
		t.Fatalf("expected empty-string cursor for first sync, got %v", upstream.syncCalls)
	}
}

func TestFetchRun_RoundCap(t *testing.T) {
	upstream := &fakeUpstream{
		syncFn: func(cursor string, count int) (*plaidclient.TransactionsSyncResponse, error) {
			return &plaidclient.TransactionsSyncResponse{NextCursor: "again", HasMore: true}, nil
		},
	}
	fetcher := NewFetcher(upstream, FetchConfig{MaxRounds: 2})
	run := fetcher.Start(&domain.Connection{Environment: "production"})

	for i := 0; i < 2; i++ {
		if _, err := run.Next(context.Background()); err != nil {
			t.Fatalf("round %d: expected nil error, got %v", i+1, err)
		}
	}
	if _, err := run.Next(context.Background()); !errors.Is(err, ErrSyncLimitExceeded) {
		t.Fatalf("expected ErrSyncLimitExceeded after round cap, got %v", err)
	}
}

func TestFetchRun_TotalCap(t *testing.T) {
	upstream := &fakeUpstream{
		syncFn: func(cursor string, count int) (*plaidclient.TransactionsSyncResponse, error) {
			return &plaidclient.TransactionsSyncResponse{
				Added: []domain.PlaidTransaction{
					{TransactionID: "a"}, {TransactionID: "b"}, {TransactionID: "c"},
				},
				NextCursor: "next",
				HasMore:    true,
			}, nil
		},
	}
	fetcher := NewFetcher(upstream, FetchConfig{MaxTransactions: 2})
	run := fetcher.Start(&domain.Connection{Environment: "production"})

	if _, err := run.Next(context.Background()); !errors.Is(err, ErrSyncLimitExceeded) {
		t.Fatalf("expected ErrSyncLimitExceeded after record cap, got %v", err)
	}
}

func TestFetchRun_SnapshotMode(t *testing.T) {
	var gotStart, gotEnd time.Time
	upstream := &fakeUpstream{
		getFn: func(startDate, endDate time.Time, count int) (*plaidclient.TransactionsGetResponse, error) {
			gotStart, gotEnd = startDate, endDate
			return &plaidclient.TransactionsGetResponse{
				Transactions: []domain.PlaidTransaction{{TransactionID: "t1"}, {TransactionID: "t2"}},
			}, nil
		},
	}
	fetcher := NewFetcher(upstream, FetchConfig{SnapshotWindowDays: 30})

	stored := "stale-cursor"
	conn := &domain.Connection{Environment: "sandbox", Cursor: &stored}
	run := fetcher.Start(conn)
	if run.Mode() != ModeSnapshot {
		t.Fatalf("expected snapshot mode for sandbox, got %s", run.Mode())
	}

	batch, err := run.Next(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(batch.Added) != 2 || len(batch.Modified) != 0 || len(batch.Removed) != 0 {
		t.Fatalf("expected all-added batch, got %+v", batch)
	}
	if batch.HasMore || batch.NextCursor != "" {
		t.Fatalf("snapshot batch must not carry a cursor, got %+v", batch)
	}

	if done, err := run.Next(context.Background()); err != nil || done != nil {
		t.Fatalf("expected single-round run, got batch=%v err=%v", done, err)
	}
	if upstream.snapshotCalls != 1 || len(upstream.syncCalls) != 0 {
		t.Fatalf("expected one snapshot call and no cursor calls, got %d/%d", upstream.snapshotCalls, len(upstream.syncCalls))
	}

	window := gotEnd.Sub(gotStart)
	if window < 29*24*time.Hour || window > 31*24*time.Hour {
		t.Fatalf("expected roughly 30-day window, got %s", window)
	}
}

func TestFetchRun_UpstreamErrorPropagates(t *testing.T) {
	upstreamErr := errors.New("connection reset")
	upstream := &fakeUpstream{
		syncFn: func(cursor string, count int) (*plaidclient.TransactionsSyncResponse, error) {
			return nil, upstreamErr
		},
	}
	run := NewFetcher(upstream, FetchConfig{}).Start(&domain.Connection{Environment: "production"})

	if _, err := run.Next(context.Background()); !errors.Is(err, upstreamErr) {
		t.Fatalf("expected upstream error to propagate, got %v", err)
	}
}
