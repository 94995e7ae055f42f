package pool

import (
	"fmt"
	"time"
)

// AcquireResult reports the outcome of a single acquire attempt.
// Acquired=false with a nil error means the pool had no allocatable item at
// this instant (exhausted, or this attempt lost a race); it is not a failure.
type AcquireResult struct {
	Acquired   bool
	ID         int64
	Email      string
	LeasedAt   time.Time
	RetryAfter time.Duration // hint when the store was momentarily busy
}

// Item is one row of the pool as seen by listings.
type Item struct {
	ID        int64
	Email     string
	Leased    bool
	LeasedAt  time.Time
	CreatedAt time.Time
}

// Stats is a snapshot of aggregate counts. Approximate marks totals taken
// from the store's row estimate rather than an exact count.
type Stats struct {
	Total       int64
	Leased      int64
	Available   int64
	Approximate bool
}

type ListRequest struct {
	Page     int
	PageSize int
	Search   string
}

// Page is a window of items ordered by id descending. Estimated marks totals
// derived from HasMore and the offset: a lower bound, not an exact count.
type Page struct {
	Items     []Item
	Page      int
	PageSize  int
	HasMore   bool
	Total     int64
	Estimated bool
}

// BatchError reports which ingest batch failed. Rows from earlier batches
// stay committed; the count returned alongside covers only those.
type BatchError struct {
	Batch int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("ingest batch %d failed: %v", e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
