package pool

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/arcrek/email-disposal-api/internal/obs"
)

const (
	// DefaultLeaseTTL is how long an unconfirmed lease stays held before any
	// later acquire may reclaim it.
	DefaultLeaseTTL = 15 * time.Second

	// DefaultBatchSize bounds rows per ingest transaction.
	DefaultBatchSize = 10000

	// DefaultStatsWindow is how long a stats snapshot is served from cache.
	DefaultStatsWindow = 30 * time.Second

	// DefaultApproxThreshold is the pool size above which stats substitute
	// the store's row estimate for an exact total.
	DefaultApproxThreshold = 100000

	// evictChunkSize keeps DELETE ... IN (...) under sqlite's parameter cap.
	evictChunkSize = 500
)

// Service is the lease-pool engine. All mutating operations run in their own
// transaction; concurrency comes entirely from concurrent callers sharing
// the one database.
type Service struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *obs.Metrics

	now   func() time.Time
	randN func(n int64) int64

	leaseTTL        time.Duration
	batchSize       int
	statsWindow     time.Duration
	approxThreshold int64

	statsMu     sync.Mutex
	statsCached Stats
	statsAt     time.Time
}

type Option func(*Service)

func WithLeaseTTL(d time.Duration) Option {
	return func(s *Service) { s.leaseTTL = d }
}

func WithBatchSize(n int) Option {
	return func(s *Service) { s.batchSize = n }
}

func WithStatsWindow(d time.Duration) Option {
	return func(s *Service) { s.statsWindow = d }
}

func WithApproxThreshold(n int64) Option {
	return func(s *Service) { s.approxThreshold = n }
}

// WithClock injects the time source. Tests use this to drive lease expiry
// and cache windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *sql.DB, logger *zap.Logger, metrics *obs.Metrics, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		db:              db,
		logger:          logger,
		metrics:         metrics,
		now:             time.Now,
		randN:           rand.Int64N,
		leaseTTL:        DefaultLeaseTTL,
		batchSize:       DefaultBatchSize,
		statsWindow:     DefaultStatsWindow,
		approxThreshold: DefaultApproxThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incAcquire(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AcquireTotal.WithLabelValues(result).Inc()
}

func (s *Service) incBusy(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

// Acquire leases one random available email. It first reclaims expired
// leases (best effort, outside the allocation transaction), then picks a
// uniformly random available row and flips it to leased with a conditional
// update. Losing the conditional update to another caller is reported as
// not-acquired, never as an error; retry policy belongs to the caller.
func (s *Service) Acquire(ctx context.Context) (AcquireResult, error) {
	start := time.Now()

	var (
		logAcquired bool
		logID       int64
		logErrMsg   string
	)
	defer func() {
		fields := []zap.Field{
			zap.String("op", "acquire"),
			zap.Bool("acquired", logAcquired),
			zap.Int64("id", logID),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if logErrMsg != "" {
			s.logger.Error("acquire failed", append(fields, zap.String("error", logErrMsg))...)
		} else {
			s.logger.Debug("acquire", fields...)
		}
	}()

	now := s.now()

	if err := s.reclaimExpired(ctx, now); err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incAcquire("busy")
			s.observeLatency("acquire", start)
			return AcquireResult{RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return AcquireResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incAcquire("busy")
			s.observeLatency("acquire", start)
			return AcquireResult{RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return AcquireResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var available int64
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM emails WHERE is_locked = 0;
`).Scan(&available); err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incAcquire("busy")
			s.observeLatency("acquire", start)
			return AcquireResult{RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return AcquireResult{}, err
	}

	if available == 0 {
		s.incAcquire("empty")
		s.observeLatency("acquire", start)
		return AcquireResult{}, tx.Commit()
	}

	// Random offset under a stable ordering. Cheap at any pool size, unlike
	// ORDER BY RANDOM() which sorts the whole table.
	offset := s.randN(available)

	var (
		id    int64
		email string
	)
	err = tx.QueryRowContext(ctx, `
SELECT id, email FROM emails
WHERE is_locked = 0
ORDER BY id
LIMIT 1 OFFSET ?;
`, offset).Scan(&id, &email)
	if errors.Is(err, sql.ErrNoRows) {
		// The available set shrank between count and fetch: same as losing
		// the race below.
		s.incAcquire("empty")
		s.observeLatency("acquire", start)
		return AcquireResult{}, tx.Commit()
	}
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incAcquire("busy")
			s.observeLatency("acquire", start)
			return AcquireResult{RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return AcquireResult{}, err
	}

	// Conditional transition Available -> Leased. Zero rows affected means
	// another caller won this row in the meantime.
	res, err := tx.ExecContext(ctx, `
UPDATE emails
SET is_locked = 1, locked_at = ?
WHERE id = ? AND is_locked = 0;
`, now.Unix(), id)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incAcquire("busy")
			s.observeLatency("acquire", start)
			return AcquireResult{RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return AcquireResult{}, err
	}

	aff, _ := res.RowsAffected()
	if aff == 0 {
		s.incAcquire("empty")
		s.observeLatency("acquire", start)
		return AcquireResult{}, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("acquire")
			s.incAcquire("busy")
			s.observeLatency("acquire", start)
			return AcquireResult{RetryAfter: 50 * time.Millisecond}, nil
		}
		logErrMsg = err.Error()
		return AcquireResult{}, err
	}

	logAcquired = true
	logID = id

	s.incAcquire("acquired")
	s.observeLatency("acquire", start)

	return AcquireResult{
		Acquired: true,
		ID:       id,
		Email:    email,
		LeasedAt: now,
	}, nil
}

// reclaimExpired flips every lease older than the TTL back to available.
// It runs as its own statement: the allocation transaction only needs it to
// have happened before the available count.
func (s *Service) reclaimExpired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.leaseTTL).Unix()
	res, err := s.db.ExecContext(ctx, `
UPDATE emails
SET is_locked = 0, locked_at = 0
WHERE is_locked = 1 AND locked_at < ?;
`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if s.metrics != nil {
			s.metrics.ExpiredReclaimedTotal.Add(float64(n))
		}
		s.logger.Info("reclaimed expired leases", zap.Int64("count", n))
	}
	return nil
}

// Ingest inserts the given addresses, skipping malformed and already-known
// values. Work proceeds in fixed-size batches, each in its own transaction;
// a failed batch aborts the rest but leaves earlier batches committed, and
// the returned count covers only committed rows.
func (s *Service) Ingest(ctx context.Context, values []string) (int, error) {
	start := time.Now()

	inserted := 0
	batch := make([]string, 0, s.batchSize)
	batchIdx := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.insertBatch(ctx, batch)
		if err != nil {
			if isSQLiteBusy(err) {
				s.incBusy("ingest")
			}
			return &BatchError{Batch: batchIdx, Err: err}
		}
		inserted += n
		batchIdx++
		batch = batch[:0]
		return nil
	}

	for _, v := range values {
		v = strings.TrimSpace(v)
		if !ValidEmail(v) {
			continue
		}
		batch = append(batch, v)
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}

	if s.metrics != nil {
		s.metrics.IngestRowsTotal.Add(float64(inserted))
	}
	s.observeLatency("ingest", start)
	s.logger.Info("ingest",
		zap.Int("offered", len(values)),
		zap.Int("inserted", inserted),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return inserted, nil
}

func (s *Service) insertBatch(ctx context.Context, emails []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO emails(email, created_at) VALUES(?, ?);
`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	createdAt := s.now().Unix()
	count := 0
	for _, e := range emails {
		res, err := stmt.ExecContext(ctx, e, createdAt)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// EvictByIDs permanently deletes the given rows. Unknown ids are ignored;
// the count reflects rows actually removed.
func (s *Service) EvictByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	for from := 0; from < len(ids); from += evictChunkSize {
		to := from + evictChunkSize
		if to > len(ids) {
			to = len(ids)
		}
		chunk := ids[from:to]

		placeholders := strings.Repeat("?,", len(chunk)-1) + "?"
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE id IN (`+placeholders+`);`, args...)
		if err != nil {
			if isSQLiteBusy(err) {
				s.incBusy("evict")
			}
			return 0, err
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.EvictRowsTotal.Add(float64(deleted))
	}
	s.observeLatency("evict", start)
	s.logger.Info("evict",
		zap.Int("requested", len(ids)),
		zap.Int("deleted", deleted),
	)
	return deleted, nil
}

// ForceReleaseAll clears every lease regardless of age. Escape hatch for
// leases stuck behind crashed callers.
func (s *Service) ForceReleaseAll(ctx context.Context) (int, error) {
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
UPDATE emails SET is_locked = 0, locked_at = 0 WHERE is_locked = 1;
`)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("release_all")
		}
		return 0, err
	}
	n, _ := res.RowsAffected()

	if s.metrics != nil {
		s.metrics.ReleaseAllTotal.Add(float64(n))
	}
	s.observeLatency("release_all", start)
	s.logger.Info("force release all", zap.Int64("released", n))
	return int(n), nil
}

// ValidEmail reports whether v looks like a deliverable address: a single
// RFC 5322 addr-spec whose domain contains a dot. Display names and angle
// brackets are rejected.
func ValidEmail(v string) bool {
	if v == "" || len(v) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return false
	}
	at := strings.LastIndexByte(v, '@')
	if at <= 0 {
		return false
	}
	return strings.Contains(v[at+1:], ".")
}
