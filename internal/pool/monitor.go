package pool

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/arcrek/email-disposal-api/internal/obs"
)

// Monitor periodically refreshes the pool gauges. It only observes; expired
// leases are reclaimed lazily by Acquire, never here.
type Monitor struct {
	db       *sql.DB
	logger   *zap.Logger
	metrics  *obs.Metrics
	interval time.Duration
}

func NewMonitor(db *sql.DB, logger *zap.Logger, metrics *obs.Metrics, interval time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		db:       db,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.refreshOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.refreshOnce(ctx)
		}
	}
}

func (m *Monitor) refreshOnce(ctx context.Context) {
	var total, leased int64
	err := m.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(is_locked), 0) FROM emails;
`).Scan(&total, &leased)
	if err != nil {
		m.logger.Warn("pool gauge refresh failed", zap.Error(err))
		return
	}

	if m.metrics != nil {
		m.metrics.ItemsTotal.Set(float64(total))
		m.metrics.ItemsLeased.Set(float64(leased))
		m.metrics.ItemsAvailable.Set(float64(total - leased))
	}
	m.logger.Debug("pool gauges",
		zap.Int64("total", total),
		zap.Int64("leased", leased),
		zap.Int64("available", total-leased),
	)
}
