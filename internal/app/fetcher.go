/**
 * @description
 * This file implements the fetch strategy: it selects between the snapshot
 * and incremental upstream API shapes per connection and drives the paging
 * loop for the incremental shape. The mode is fixed when a run starts and
 * never changes mid-loop.
 *
 * Key features:
 * - Snapshot mode (sandbox connections): one windowed call, no cursor read
 *   or written, every record treated as added.
 * - Incremental mode: cursor-based rounds until has_more is false.
 * - Safety caps on total records and round count abort a runaway loop with
 *   ErrSyncLimitExceeded instead of looping unbounded.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: Batch and record models.
 * - pkg/plaidclient: Response shapes for the upstream endpoints.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/ledgerline/sync-service/pkg/plaidclient"
)

// Fetch modes. Selected once per run from the connection's environment.
const (
	ModeSnapshot    = "snapshot"
	ModeIncremental = "incremental"
)

// UpstreamClient is the slice of the provider API the sync engine needs.
// *plaidclient.Client satisfies it; tests substitute fakes.
type UpstreamClient interface {
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*plaidclient.TransactionsSyncResponse, error)
	GetTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time, count int) (*plaidclient.TransactionsGetResponse, error)
	GetAccounts(ctx context.Context, accessToken string) (*plaidclient.AccountsGetResponse, error)
}

// FetchConfig bounds a fetch run.
type FetchConfig struct {
	PageSize           int
	MaxTransactions    int
	MaxRounds          int
	SnapshotWindowDays int
}

// Fetcher selects and drives the upstream fetch strategy.
type Fetcher struct {
	client UpstreamClient
	cfg    FetchConfig
}

// NewFetcher creates a Fetcher, filling unset config fields with defaults.
func NewFetcher(client UpstreamClient, cfg FetchConfig) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = 10000
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 40
	}
	if cfg.SnapshotWindowDays <= 0 {
		cfg.SnapshotWindowDays = 30
	}
	return &Fetcher{client: client, cfg: cfg}
}

// Mode reports the fetch mode for a connection. Sandbox connections use the
// windowed snapshot endpoint, everything else the cursor-based one.
func (f *Fetcher) Mode(conn *domain.Connection) string {
	if conn.Environment == "sandbox" {
		return ModeSnapshot
	}
	return ModeIncremental
}

// FetchRun iterates the batches of one sync run. The mode and starting
// cursor are captured at Start and stay fixed for the run's lifetime.
type FetchRun struct {
	fetcher *Fetcher
	conn    *domain.Connection
	mode    string
	cursor  string
	rounds  int
	total   int
	done    bool
}

// Start begins a fetch run for the connection. In incremental mode the run
// resumes from the stored cursor; a nil cursor means never synced and maps
// to the empty-string sentinel.
func (f *Fetcher) Start(conn *domain.Connection) *FetchRun {
	run := &FetchRun{fetcher: f, conn: conn, mode: f.Mode(conn)}
	if run.mode == ModeIncremental && conn.Cursor != nil {
		run.cursor = *conn.Cursor
	}
	return run
}

// Mode reports the run's fixed fetch mode.
func (r *FetchRun) Mode() string { return r.mode }

// Next fetches the next batch, or nil when the run is exhausted. Breaching a
// safety cap returns ErrSyncLimitExceeded; the caller must abort the run
// without advancing the cursor.
func (r *FetchRun) Next(ctx context.Context) (*domain.SyncBatch, error) {
	if r.done {
		return nil, nil
	}
	if r.rounds >= r.fetcher.cfg.MaxRounds {
		return nil, fmt.Errorf("%w: exceeded %d rounds", ErrSyncLimitExceeded, r.fetcher.cfg.MaxRounds)
	}
	r.rounds++

	var batch *domain.SyncBatch
	var err error
	switch r.mode {
	case ModeSnapshot:
		batch, err = r.snapshot(ctx)
	default:
		batch, err = r.round(ctx)
	}
	if err != nil {
		return nil, err
	}

	r.total += len(batch.Added) + len(batch.Modified) + len(batch.Removed)
	if r.total > r.fetcher.cfg.MaxTransactions {
		return nil, fmt.Errorf("%w: exceeded %d transactions", ErrSyncLimitExceeded, r.fetcher.cfg.MaxTransactions)
	}

	r.cursor = batch.NextCursor
	r.done = !batch.HasMore
	return batch, nil
}

// snapshot issues the single windowed call. The result is complete for the
// window, carries no cursor, and is treated as all-added.
func (r *FetchRun) snapshot(ctx context.Context) (*domain.SyncBatch, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -r.fetcher.cfg.SnapshotWindowDays)
	resp, err := r.fetcher.client.GetTransactions(ctx, r.conn.AccessToken, start, end, r.fetcher.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("snapshot fetch failed: %w", err)
	}
	return &domain.SyncBatch{
		Added:   resp.Transactions,
		HasMore: false,
	}, nil
}

// round issues one cursor-based incremental call.
func (r *FetchRun) round(ctx context.Context) (*domain.SyncBatch, error) {
	resp, err := r.fetcher.client.SyncTransactions(ctx, r.conn.AccessToken, r.cursor, r.fetcher.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("incremental fetch failed: %w", err)
	}
	removed := make([]string, 0, len(resp.Removed))
	for _, rec := range resp.Removed {
		if rec.TransactionID != "" {
			removed = append(removed, rec.TransactionID)
		}
	}
	return &domain.SyncBatch{
		Added:      resp.Added,
		Modified:   resp.Modified,
		Removed:    removed,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}, nil
}
