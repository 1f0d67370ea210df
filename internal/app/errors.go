package app

import "errors"

// Sentinel errors for the sync engine. Per-record problems (bad amount,
// unmapped account) are counted and skipped inside a round; these values are
// the run-level outcomes callers branch on with errors.Is.
var (
	// ErrInvalidAmount marks a record whose amount cannot be parsed as a
	// finite number. It is always handled as a per-record skip.
	ErrInvalidAmount = errors.New("invalid transaction amount")

	// ErrSyncLimitExceeded aborts a run that hit the safety cap, so callers
	// can distinguish "too much data" from "upstream broken". The previous
	// cursor is preserved.
	ErrSyncLimitExceeded = errors.New("sync limit exceeded")

	// ErrConnectionOwnership rejects a sync trigger whose user does not own
	// the connection.
	ErrConnectionOwnership = errors.New("connection does not belong to user")
)
