package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mixlock/internal/obs"
)

// Manager implements the lease business rules over a Store: lease duration,
// ownership checks, read-triggered expiry reaping, and staleness
// classification. It is storage-agnostic; atomicity of acquire lives in the
// Store.
type Manager struct {
	store   Store
	logger  *obs.Logger
	metrics *obs.Metrics

	now func() time.Time
}

func NewManager(store Store, logger *obs.Logger, metrics *obs.Metrics) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the manager's time source. Tests use this to exercise
// expiry and staleness without waiting.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) observeLatency(op string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Manager) incResult(vec string, result string) {
	if m.metrics == nil {
		return
	}
	switch vec {
	case "acquire":
		m.metrics.AcquireTotal.WithLabelValues(result).Inc()
	case "heartbeat":
		m.metrics.HeartbeatTotal.WithLabelValues(result).Inc()
	case "release":
		m.metrics.ReleaseTotal.WithLabelValues(result).Inc()
	case "break":
		m.metrics.BreakTotal.WithLabelValues(result).Inc()
	}
}

// reapIfExpired is the single place where expiry mutates state: every entry
// point calls it first, so "at most one unexpired lease per project" stays
// auditable here. Returns the live lease, or nil when none exists.
func (m *Manager) reapIfExpired(ctx context.Context, project string) (*Lock, error) {
	for {
		lk, err := m.store.Get(ctx, project)
		if err != nil {
			return nil, err
		}
		if lk == nil {
			return nil, nil
		}
		if !lk.ExpiredAt(m.now()) {
			return lk, nil
		}

		err = m.store.Release(ctx, project, lk.LockID)
		switch {
		case err == nil, errors.Is(err, ErrNoLock):
			if m.metrics != nil {
				m.metrics.ExpiredTotal.Inc()
			}
			m.logger.Info(map[string]interface{}{
				"op":      "reap_expired",
				"project": project,
				"owner":   lk.Owner,
				"lock_id": lk.LockID,
			})
			return nil, nil
		case errors.Is(err, ErrLockIDMismatch):
			// Someone else replaced the record between our read and the
			// delete. Re-read and re-evaluate.
			continue
		default:
			return nil, err
		}
	}
}

// Acquire grants a new lease on project to identity, or refreshes the lease
// when identity already holds it. Fails with *AlreadyLockedError when another
// identity holds an unexpired lease.
func (m *Manager) Acquire(ctx context.Context, project, identity, machineID string, lease time.Duration) (*Lock, error) {
	if project == "" || identity == "" {
		return nil, fmt.Errorf("project and identity required")
	}
	if lease < 0 {
		return nil, fmt.Errorf("lease must be >= 0")
	}
	start := time.Now()

	now := m.now()
	candidate := &Lock{
		LockID:        uuid.NewString(),
		Project:       project,
		Owner:         identity,
		MachineID:     machineID,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(lease),
		LastHeartbeat: now,
	}

	got, err := m.store.Acquire(ctx, candidate)
	m.observeLatency("acquire", start)
	if err != nil {
		if al, ok := IsAlreadyLocked(err); ok {
			m.incResult("acquire", "held")
			m.logger.Info(map[string]interface{}{
				"op":         "acquire",
				"project":    project,
				"owner":      identity,
				"acquired":   false,
				"cur_owner":  al.Owner,
				"latency_ms": time.Since(start).Milliseconds(),
			})
			return nil, err
		}
		m.incResult("acquire", "error")
		m.logger.Error(map[string]interface{}{
			"op":      "acquire",
			"project": project,
			"owner":   identity,
			"error":   err.Error(),
		})
		return nil, err
	}

	m.incResult("acquire", "success")
	m.logger.Info(map[string]interface{}{
		"op":         "acquire",
		"project":    project,
		"owner":      identity,
		"acquired":   true,
		"lock_id":    got.LockID,
		"expires_at": got.ExpiresAt.Format(time.RFC3339),
		"latency_ms": time.Since(start).Milliseconds(),
	})
	return got, nil
}

// Release drops the lease identified by lockID. Releasing when no lease
// exists is a successful no-op; presenting a stale lockID is an error.
func (m *Manager) Release(ctx context.Context, project, lockID string) error {
	if project == "" || lockID == "" {
		return fmt.Errorf("project and lockID required")
	}
	start := time.Now()

	live, err := m.reapIfExpired(ctx, project)
	if err != nil {
		m.incResult("release", "error")
		return err
	}
	if live == nil {
		// Already released (or expired): not an error.
		m.incResult("release", "noop")
		m.observeLatency("release", start)
		return nil
	}

	err = m.store.Release(ctx, project, lockID)
	m.observeLatency("release", start)
	switch {
	case err == nil:
		m.incResult("release", "success")
		m.logger.Info(map[string]interface{}{
			"op":      "release",
			"project": project,
			"lock_id": lockID,
		})
		return nil
	case errors.Is(err, ErrNoLock):
		m.incResult("release", "noop")
		return nil
	case errors.Is(err, ErrLockIDMismatch):
		m.incResult("release", "mismatch")
		m.logger.Warn(map[string]interface{}{
			"op":        "release",
			"project":   project,
			"lock_id":   lockID,
			"cur_owner": live.Owner,
			"error":     "lock id mismatch",
		})
		return ErrLockIDMismatch
	default:
		m.incResult("release", "error")
		return err
	}
}

// Heartbeat extends the lease identified by lockID so that it now expires
// extend from the current instant, and records the heartbeat time. Repeated
// heartbeats can sustain an arbitrarily long session.
func (m *Manager) Heartbeat(ctx context.Context, project, lockID string, extend time.Duration) (*Lock, error) {
	if project == "" || lockID == "" {
		return nil, fmt.Errorf("project and lockID required")
	}
	if extend <= 0 {
		return nil, fmt.Errorf("extend must be > 0")
	}
	start := time.Now()

	live, err := m.reapIfExpired(ctx, project)
	if err != nil {
		m.incResult("heartbeat", "error")
		return nil, err
	}
	if live == nil {
		m.incResult("heartbeat", "rejected")
		return nil, ErrNoLock
	}

	now := m.now()
	got, err := m.store.Heartbeat(ctx, project, lockID, now.Add(extend), now)
	m.observeLatency("heartbeat", start)
	if err != nil {
		if errors.Is(err, ErrNoLock) || errors.Is(err, ErrLockIDMismatch) {
			m.incResult("heartbeat", "rejected")
		} else {
			m.incResult("heartbeat", "error")
		}
		return nil, err
	}

	m.incResult("heartbeat", "success")
	m.logger.Info(map[string]interface{}{
		"op":         "heartbeat",
		"project":    project,
		"lock_id":    lockID,
		"expires_at": got.ExpiresAt.Format(time.RFC3339),
		"latency_ms": time.Since(start).Milliseconds(),
	})
	return got, nil
}

// Status returns the live lease and its classification, or nil when project
// is unlocked. Reading an expired lease deletes it (GC on read, not on a
// timer).
func (m *Manager) Status(ctx context.Context, project string) (*Lock, State, error) {
	if project == "" {
		return nil, StateExpired, fmt.Errorf("project required")
	}
	start := time.Now()
	defer m.observeLatency("status", start)

	live, err := m.reapIfExpired(ctx, project)
	if err != nil {
		return nil, StateExpired, err
	}
	if live == nil {
		return nil, StateExpired, nil
	}

	st := live.StateAt(m.now())
	if st == StateStale {
		m.logger.Warn(map[string]interface{}{
			"op":             "status",
			"project":        project,
			"owner":          live.Owner,
			"state":          "stale",
			"last_heartbeat": live.LastHeartbeat.Format(time.RFC3339),
		})
	}
	return live, st, nil
}

// ForceBreak removes the lease regardless of holder. It is the operator
// override for dead machines; callers must confirm with a human first, and
// automated flows must never invoke it.
func (m *Manager) ForceBreak(ctx context.Context, project string) error {
	if project == "" {
		return fmt.Errorf("project required")
	}
	start := time.Now()

	live, err := m.reapIfExpired(ctx, project)
	if err != nil {
		m.incResult("break", "error")
		return err
	}
	if live == nil {
		m.incResult("break", "no_lock")
		return ErrNoLock
	}

	err = m.store.ForceRemove(ctx, project)
	m.observeLatency("break", start)
	switch {
	case err == nil:
		m.incResult("break", "success")
		m.logger.Warn(map[string]interface{}{
			"op":         "force_break",
			"project":    project,
			"prev_owner": live.Owner,
			"lock_id":    live.LockID,
		})
		return nil
	case errors.Is(err, ErrNoLock):
		m.incResult("break", "no_lock")
		return ErrNoLock
	default:
		m.incResult("break", "error")
		return err
	}
}
