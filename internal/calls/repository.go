package calls

import (
	"context"
	"time"
)

// Repository is the storage contract for the calls ledger.
//
// IMPORTANT:
// - Insert must fail with ErrDuplicateCallID on an existing id, never overwrite.
// - MarkEnded is a single conditional update matching id AND status=started.
//   Zero matched rows is ErrUpdateConflict. This is the only guard against
//   two writers ending the same call; callers hold no locks.
// - Rows are never deleted.
type Repository interface {
	Insert(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	MarkEnded(ctx context.Context, id string, ended time.Time, durationSeconds int) error

	// ListOpenStartedBetween returns started calls with from <= started <= to.
	ListOpenStartedBetween(ctx context.Context, from, to time.Time) ([]Call, error)
	// CountOpenStartedBefore counts started calls with started < before.
	CountOpenStartedBefore(ctx context.Context, before time.Time) (int, error)

	CountCalls(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, s Status) (int, error)
	// ListDurations returns every non-null duration.
	ListDurations(ctx context.Context) ([]int, error)
}
