package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AcquireTotal *prometheus.CounterVec // result=acquired|empty|busy|error

	IngestRowsTotal prometheus.Counter
	EvictRowsTotal  prometheus.Counter
	ReleaseAllTotal prometheus.Counter

	OpLatencyMS *prometheus.HistogramVec // op=acquire|ingest|evict|release_all|stats|list

	DBBusyTotal *prometheus.CounterVec // op=acquire|ingest|evict|release_all

	ItemsTotal     prometheus.Gauge
	ItemsLeased    prometheus.Gauge
	ItemsAvailable prometheus.Gauge

	ExpiredReclaimedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_acquire_total",
				Help: "Total acquire attempts by result",
			},
			[]string{"result"},
		),
		IngestRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_ingest_rows_total",
			Help: "Total rows newly inserted by bulk ingest",
		}),
		EvictRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_evict_rows_total",
			Help: "Total rows removed by bulk eviction",
		}),
		ReleaseAllTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_release_all_total",
			Help: "Total leases cleared by forced release",
		}),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pool_op_latency_ms",
				Help:    "Latency of pool operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pool_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		ItemsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_items_total",
			Help: "Number of items in the pool",
		}),
		ItemsLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_items_leased",
			Help: "Number of currently leased items",
		}),
		ItemsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_items_available",
			Help: "Number of currently available items",
		}),
		ExpiredReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_expired_reclaimed_total",
			Help: "Total expired leases reclaimed back to available",
		}),
	}

	reg.MustRegister(
		m.AcquireTotal,
		m.IngestRowsTotal,
		m.EvictRowsTotal,
		m.ReleaseAllTotal,
		m.OpLatencyMS,
		m.DBBusyTotal,
		m.ItemsTotal,
		m.ItemsLeased,
		m.ItemsAvailable,
		m.ExpiredReclaimedTotal,
	)

	return m
}
