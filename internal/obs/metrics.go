package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AcquireTotal   *prometheus.CounterVec // result=success|held|error
	HeartbeatTotal *prometheus.CounterVec // result=success|rejected|error
	ReleaseTotal   *prometheus.CounterVec // result=success|mismatch|noop|error
	BreakTotal     *prometheus.CounterVec // result=success|no_lock|error

	OpLatencyMS *prometheus.HistogramVec // op=acquire|heartbeat|release|break|status

	LocksHeld    prometheus.Gauge
	ExpiredTotal prometheus.Counter

	QueueDepth      *prometheus.GaugeVec   // status=pending|in_flight|succeeded|failed
	DrainTotal      *prometheus.CounterVec // result=succeeded|failed|deferred
	RetryTotal      *prometheus.CounterVec // op label, incremented per retry attempt
	ConnectivityUp  prometheus.Gauge
	DBBusyTotal     *prometheus.CounterVec // op=acquire|heartbeat|release|break
}

func NewMetrics() *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_acquire_total",
				Help: "Total lock acquire attempts by result",
			},
			[]string{"result"},
		),
		HeartbeatTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_heartbeat_total",
				Help: "Total lease heartbeat attempts by result",
			},
			[]string{"result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_release_total",
				Help: "Total lock release attempts by result",
			},
			[]string{"result"},
		),
		BreakTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_break_total",
				Help: "Total forced lock breaks by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mixlock_op_latency_ms",
				Help:    "Latency of lock operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixlock_locks_held",
			Help: "Number of currently held (unexpired) project locks",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixlock_expired_total",
			Help: "Total number of leases that expired and were reaped",
		}),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mixlock_queue_depth",
				Help: "Offline queue entries by status",
			},
			[]string{"status"},
		),
		DrainTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_drain_total",
				Help: "Queue entries processed by drain, by result",
			},
			[]string{"result"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_retry_total",
				Help: "Retry attempts performed by the resilience layer",
			},
			[]string{"op"},
		),
		ConnectivityUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixlock_connectivity_up",
			Help: "1 when the last connectivity probe succeeded, else 0",
		}),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mixlock_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
	}

	prometheus.MustRegister(
		m.AcquireTotal,
		m.HeartbeatTotal,
		m.ReleaseTotal,
		m.BreakTotal,
		m.OpLatencyMS,
		m.LocksHeld,
		m.ExpiredTotal,
		m.QueueDepth,
		m.DrainTotal,
		m.RetryTotal,
		m.ConnectivityUp,
		m.DBBusyTotal,
	)

	return m
}
