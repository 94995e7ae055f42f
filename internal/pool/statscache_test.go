package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcrek/email-disposal-api/internal/pool"
)

func TestStatsCacheWindow(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, pool.WithClock(clock.Now))
	ctx := context.Background()

	seedEmails(t, svc, 2)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Total)
	require.Equal(t, int64(0), st.Leased)
	require.Equal(t, int64(2), st.Available)
	require.False(t, st.Approximate)

	// Mutations inside the freshness window must not show up.
	_, err = svc.Ingest(ctx, []string{"late@example.com"})
	require.NoError(t, err)

	clock.Advance(29 * time.Second)
	st2, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, st, st2, "cached snapshot changed inside the window")

	// Past the window the refresh sees the mutation.
	clock.Advance(2 * time.Second)
	st3, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), st3.Total)
	require.Equal(t, int64(3), st3.Available)
}

func TestStatsReflectsLeases(t *testing.T) {
	svc := newTestService(t, pool.WithStatsWindow(0), pool.WithLeaseTTL(time.Hour))
	ctx := context.Background()

	seedEmails(t, svc, 3)

	res, err := svc.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Total)
	require.Equal(t, int64(1), st.Leased)
	require.Equal(t, int64(2), st.Available)
}

func TestStatsApproximateFastPath(t *testing.T) {
	svc := newTestService(t,
		pool.WithStatsWindow(0),
		pool.WithApproxThreshold(2),
		pool.WithLeaseTTL(time.Hour),
	)
	ctx := context.Background()

	seedEmails(t, svc, 3)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.Approximate)
	require.Equal(t, int64(3), st.Total)
	require.Equal(t, int64(0), st.Leased, "leased count stays exact on the fast path")

	res, err := svc.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.Approximate)
	require.Equal(t, int64(1), st.Leased)
	require.Equal(t, int64(2), st.Available)

	// The estimate is a high-water mark: deletes don't shrink it.
	page, err := svc.List(ctx, pool.ListRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	_, err = svc.EvictByIDs(ctx, []int64{page.Items[0].ID})
	require.NoError(t, err)

	st, err = svc.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.Approximate)
	require.GreaterOrEqual(t, st.Total, int64(2))
}

func TestStatsExactBelowThreshold(t *testing.T) {
	svc := newTestService(t, pool.WithStatsWindow(0))
	ctx := context.Background()

	seedEmails(t, svc, 10)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.False(t, st.Approximate)
	require.Equal(t, int64(10), st.Total)
}
