package pool_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcrek/email-disposal-api/internal/pool"
	"github.com/arcrek/email-disposal-api/internal/storage"
)

func newTestService(t *testing.T, opts ...pool.Option) *pool.Service {
	svc, _ := newTestServiceDB(t, opts...)
	return svc
}

func newTestServiceDB(t *testing.T, opts ...pool.Option) (*pool.Service, *sql.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "mailpool_test.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return pool.NewService(db.DB, nil, nil, opts...), db.DB
}

// fakeClock drives lease expiry and cache windows without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func seedEmails(t *testing.T, svc *pool.Service, n int) []string {
	t.Helper()
	emails := make([]string, n)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%04d@example.com", i)
	}
	count, err := svc.Ingest(context.Background(), emails)
	require.NoError(t, err)
	require.Equal(t, n, count)
	return emails
}

func TestAcquireEmptyPool(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, res.Acquired)
}

func TestAcquireDispensesDistinctEmails(t *testing.T) {
	svc := newTestService(t, pool.WithLeaseTTL(time.Hour))
	seedEmails(t, svc, 5)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, err := svc.Acquire(context.Background())
		require.NoError(t, err)
		require.True(t, res.Acquired, "sequential acquire %d should win", i)
		require.False(t, seen[res.Email], "email %s dispensed twice", res.Email)
		require.NotZero(t, res.ID)
		seen[res.Email] = true
	}

	res, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, res.Acquired, "pool exhausted, must return empty")
}

func TestAcquireMutualExclusion(t *testing.T) {
	const (
		items   = 20
		callers = 60
	)

	svc := newTestService(t, pool.WithLeaseTTL(time.Hour))
	seedEmails(t, svc, items)

	var (
		mu   sync.Mutex
		won  []pool.AcquireResult
		errs []error
	)

	wg := sync.WaitGroup{}
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			res, err := svc.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Acquired {
				won = append(won, res)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.LessOrEqual(t, len(won), items, "more wins than items in the pool")

	byID := map[int64]bool{}
	byEmail := map[string]bool{}
	for _, w := range won {
		require.False(t, byID[w.ID], "id %d dispensed to two callers", w.ID)
		require.False(t, byEmail[w.Email], "email %s dispensed to two callers", w.Email)
		byID[w.ID] = true
		byEmail[w.Email] = true
	}
}

func TestAcquireThreeItemsTwoConcurrentCallers(t *testing.T) {
	svc := newTestService(t, pool.WithLeaseTTL(time.Hour))
	seedEmails(t, svc, 3)

	results := make([]pool.AcquireResult, 2)
	errs := make([]error, 2)

	wg := sync.WaitGroup{}
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.Acquire(context.Background())
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// A loser of the CAS race may legitimately come back empty rather than
	// retrying, but two winners must never share an item.
	if results[0].Acquired && results[1].Acquired {
		require.NotEqual(t, results[0].ID, results[1].ID)
		require.NotEqual(t, results[0].Email, results[1].Email)
	}

	leased := map[int64]bool{}
	for _, r := range results {
		if r.Acquired {
			leased[r.ID] = true
		}
	}

	// Drain the remainder sequentially: every further win must be an item
	// the concurrent callers did not get.
	for {
		res, err := svc.Acquire(context.Background())
		require.NoError(t, err)
		if !res.Acquired {
			break
		}
		require.False(t, leased[res.ID], "id %d dispensed while leased", res.ID)
		leased[res.ID] = true
	}
	require.Len(t, leased, 3)
}

func TestLeaseExpiryReclamation(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, pool.WithClock(clock.Now))
	seedEmails(t, svc, 1)

	first, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, first.Acquired)

	// Still leased: no second caller may get it before the TTL elapses.
	res, err := svc.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, res.Acquired)

	clock.Advance(14 * time.Second)
	res, err = svc.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, res.Acquired, "lease reclaimed before TTL")

	clock.Advance(2 * time.Second) // now past the 15s TTL
	res, err = svc.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, res.Acquired, "expired lease not reclaimed")
	require.Equal(t, first.Email, res.Email)
	require.Equal(t, first.ID, res.ID, "reclaimed item must keep its id")
}

func TestIngestIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	count, err := svc.Ingest(ctx, []string{"dup@example.com", "dup@example.com"})
	require.NoError(t, err)
	require.Equal(t, 1, count, "same value twice in one call must insert once")

	count, err = svc.Ingest(ctx, []string{"dup@example.com"})
	require.NoError(t, err)
	require.Equal(t, 0, count, "already-present value must be a no-op")

	// Re-ingesting must not disturb an existing row's lease.
	res, err := svc.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	count, err = svc.Ingest(ctx, []string{"dup@example.com"})
	require.NoError(t, err)
	require.Equal(t, 0, count)

	res, err = svc.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, res.Acquired, "duplicate ingest released an active lease")
}

func TestIngestBatchFailureKeepsCommitted(t *testing.T) {
	svc, db := newTestServiceDB(t, pool.WithBatchSize(1))
	ctx := context.Background()

	// Make one specific row impossible to insert.
	_, err := db.ExecContext(ctx, `
CREATE TRIGGER reject_poison BEFORE INSERT ON emails
WHEN NEW.email = 'poison@example.com'
BEGIN
	SELECT RAISE(ABORT, 'poison row');
END;`)
	require.NoError(t, err)

	count, err := svc.Ingest(ctx, []string{
		"ok@example.com",
		"poison@example.com",
		"never@example.com",
	})
	require.Error(t, err)
	require.Equal(t, 1, count, "count must cover only committed batches")

	var be *pool.BatchError
	require.ErrorAs(t, err, &be)
	require.Equal(t, 1, be.Batch, "error must name the failing batch")
	require.ErrorContains(t, be.Err, "poison")

	// The batch before the failure stays committed; the one after it was
	// never attempted.
	page, err := svc.List(ctx, pool.ListRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "ok@example.com", page.Items[0].Email)
}

func TestStoreFailureIsErrorNotEmpty(t *testing.T) {
	svc, db := newTestServiceDB(t, pool.WithStatsWindow(0))
	ctx := context.Background()
	seedEmails(t, svc, 1)

	require.NoError(t, db.Close())

	// A broken store surfaces as an error; only a fully leased pool is the
	// nil-error not-acquired result.
	res, err := svc.Acquire(ctx)
	require.Error(t, err)
	require.False(t, res.Acquired)
	require.Empty(t, res.Email)
	require.Zero(t, res.ID)

	_, err = svc.Stats(ctx)
	require.Error(t, err)

	_, err = svc.EvictByIDs(ctx, []int64{1})
	require.Error(t, err)

	_, err = svc.Ingest(ctx, []string{"late@example.com"})
	require.Error(t, err)
}

func TestIngestDropsMalformed(t *testing.T) {
	svc := newTestService(t)

	count, err := svc.Ingest(context.Background(), []string{
		"good@example.com",
		"no-at-sign",
		"@example.com",
		"nodomaindot@localhost",
		"spaced name@example.com",
		"  trimmed@example.com  ",
		"",
	})
	require.NoError(t, err)
	require.Equal(t, 2, count) // good@ and trimmed@
}

func TestValidEmail(t *testing.T) {
	valid := []string{
		"a@b.co",
		"user.name+tag@sub.example.com",
	}
	invalid := []string{
		"",
		"plain",
		"@example.com",
		"user@",
		"user@localhost",
		"Display Name <user@example.com>",
		"two@@example.com",
	}
	for _, v := range valid {
		require.True(t, pool.ValidEmail(v), "expected valid: %q", v)
	}
	for _, v := range invalid {
		require.False(t, pool.ValidEmail(v), "expected invalid: %q", v)
	}
}

func TestEvictByIDs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedEmails(t, svc, 3)

	page, err := svc.List(ctx, pool.ListRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	targets := []int64{page.Items[0].ID, page.Items[1].ID, 99999}
	count, err := svc.EvictByIDs(ctx, targets)
	require.NoError(t, err)
	require.Equal(t, 2, count, "count must reflect rows that actually existed")

	page, err = svc.List(ctx, pool.ListRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	for _, id := range targets {
		require.NotEqual(t, id, page.Items[0].ID)
	}

	count, err = svc.EvictByIDs(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	count, err = svc.EvictByIDs(ctx, targets)
	require.NoError(t, err)
	require.Equal(t, 0, count, "eviction must be permanent")
}

func TestForceReleaseAll(t *testing.T) {
	svc := newTestService(t, pool.WithLeaseTTL(time.Hour))
	ctx := context.Background()
	seedEmails(t, svc, 3)

	for i := 0; i < 2; i++ {
		res, err := svc.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, res.Acquired)
	}

	count, err := svc.ForceReleaseAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Everything is allocatable again, TTL notwithstanding.
	for i := 0; i < 3; i++ {
		res, err := svc.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, res.Acquired)
	}

	count, err = svc.ForceReleaseAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
