package pool

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Stats returns aggregate pool counts, served from a process-wide cache for
// the configured window. Concurrent refreshes on an expired cache are
// tolerated; the duplicate queries cost efficiency, not correctness.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	s.statsMu.Lock()
	if !s.statsAt.IsZero() && s.now().Sub(s.statsAt) < s.statsWindow {
		cached := s.statsCached
		s.statsMu.Unlock()
		return cached, nil
	}
	s.statsMu.Unlock()

	start := time.Now()
	st, err := s.queryStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.observeLatency("stats", start)

	s.statsMu.Lock()
	s.statsCached = st
	s.statsAt = s.now()
	s.statsMu.Unlock()
	return st, nil
}

func (s *Service) queryStats(ctx context.Context) (Stats, error) {
	var leased int64
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM emails WHERE is_locked = 1;
`).Scan(&leased); err != nil {
		return Stats{}, err
	}

	// Fast path for very large pools: the autoincrement high-water mark is a
	// cheap row estimate. Leased stays exact either way.
	if est, ok, err := s.rowEstimate(ctx); err != nil {
		return Stats{}, err
	} else if ok && est > s.approxThreshold {
		return Stats{
			Total:       est,
			Leased:      leased,
			Available:   est - leased,
			Approximate: true,
		}, nil
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails;`).Scan(&total); err != nil {
		return Stats{}, err
	}
	return Stats{
		Total:     total,
		Leased:    leased,
		Available: total - leased,
	}, nil
}

// rowEstimate reads the emails sequence counter. It never shrinks on delete,
// so the estimate can only run high.
func (s *Service) rowEstimate(ctx context.Context) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
SELECT seq FROM sqlite_sequence WHERE name = 'emails';
`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}
