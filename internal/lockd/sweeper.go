package lockd

import (
	"context"
	"time"

	"mixlock/internal/obs"
	"mixlock/internal/storage"
)

// Sweeper periodically counts live leases for the locks-held gauge and clears
// rows whose lease expired. Clearing is hygiene only; correctness never
// depends on it, because every read path treats an expired row as absent.
type Sweeper struct {
	db       *storage.DB
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration
}

func NewSweeper(db *storage.DB, logger *obs.Logger, metrics *obs.Metrics, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sweeper{
		db:       db,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (m *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	nowNs := time.Now().UnixNano()

	var heldCount int64
	err := m.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM locks
WHERE expires_at_ns > ?;
`, nowNs).Scan(&heldCount)

	if err == nil && m.metrics != nil && m.metrics.LocksHeld != nil {
		m.metrics.LocksHeld.Set(float64(heldCount))
	}

	res, err2 := m.db.ExecContext(ctx, `
DELETE FROM locks
WHERE expires_at_ns <= ?;
`, nowNs)

	var cleared int64
	if err2 == nil && res != nil {
		cleared, _ = res.RowsAffected()
		if cleared > 0 && m.metrics != nil && m.metrics.ExpiredTotal != nil {
			m.metrics.ExpiredTotal.Add(float64(cleared))
		}
	}

	if m.logger != nil {
		fields := map[string]interface{}{
			"op":         "expire_sweep",
			"held":       heldCount,
			"cleared":    cleared,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["count_err"] = err.Error()
		}
		if err2 != nil {
			fields["clear_err"] = err2.Error()
		}
		if cleared > 0 || err != nil || err2 != nil {
			m.logger.Info(fields)
		}
	}
}
