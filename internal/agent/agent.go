package agent

import (
	"context"
	"errors"
	"time"

	"mixlock/internal/lease"
	"mixlock/internal/lock"
	"mixlock/internal/obs"
	"mixlock/internal/queue"
)

// Agent is the background loop: each tick it drains the offline queue and,
// when auto-renew is on, extends the held lock before it expires.
type Agent struct {
	drainer     *queue.Drainer
	locks       *lock.Manager
	workdir     string
	interval    time.Duration
	autoRenew   bool
	renewBefore time.Duration
	extend      time.Duration
	logger      *obs.Logger
	now         func() time.Time
}

type Options struct {
	Interval    time.Duration
	AutoRenew   bool
	RenewBefore time.Duration
	Extend      time.Duration
}

func New(drainer *queue.Drainer, locks *lock.Manager, workdir string, opts Options, logger *obs.Logger) *Agent {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Agent{
		drainer:     drainer,
		locks:       locks,
		workdir:     workdir,
		interval:    opts.Interval,
		autoRenew:   opts.AutoRenew,
		renewBefore: opts.RenewBefore,
		extend:      opts.Extend,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (a *Agent) SetClock(now func() time.Time) { a.now = now }

// Run ticks until ctx is done. The first tick fires immediately so a just
// started agent drains without waiting a full interval.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one drain pass and one renew check. Exported so the CLI's drain
// command and the tests can drive the agent without the timer.
func (a *Agent) Tick(ctx context.Context) {
	if _, err := a.drainer.Drain(ctx); err != nil {
		a.logger.Error(map[string]interface{}{"op": "agent_drain", "error": err.Error()})
	}
	if a.autoRenew {
		a.renew(ctx)
	}
}

func (a *Agent) renew(ctx context.Context) {
	l, err := lease.Load(a.workdir)
	if err != nil {
		a.logger.Warn(map[string]interface{}{"op": "agent_renew", "error": err.Error()})
		return
	}
	if l == nil {
		return
	}
	now := a.now()
	if !now.Before(l.ExpiresAt) {
		// The lease lapsed while we were offline. Clear it; the user
		// has to acquire again.
		a.logger.Warn(map[string]interface{}{
			"op":      "agent_renew",
			"project": l.Project,
			"expired": l.ExpiresAt.Format(time.RFC3339),
		})
		if err := lease.Clear(a.workdir); err != nil {
			a.logger.Warn(map[string]interface{}{"op": "agent_renew", "error": err.Error()})
		}
		return
	}
	if l.ExpiresAt.Sub(now) > a.renewBefore {
		return
	}

	lk, err := a.locks.Heartbeat(ctx, l.Project, l.LockID, a.extend)
	if err != nil {
		if errors.Is(err, lock.ErrNoLock) || errors.Is(err, lock.ErrLockIDMismatch) {
			// Someone broke or replaced our lock. Stop renewing.
			a.logger.Warn(map[string]interface{}{
				"op":      "agent_renew",
				"project": l.Project,
				"lost":    true,
				"error":   err.Error(),
			})
			if err := lease.Clear(a.workdir); err != nil {
				a.logger.Warn(map[string]interface{}{"op": "agent_renew", "error": err.Error()})
			}
			return
		}
		a.logger.Warn(map[string]interface{}{
			"op":      "agent_renew",
			"project": l.Project,
			"error":   err.Error(),
		})
		return
	}

	l.ExpiresAt = lk.ExpiresAt
	if err := lease.Save(a.workdir, *l); err != nil {
		a.logger.Warn(map[string]interface{}{"op": "agent_renew", "error": err.Error()})
		return
	}
	a.logger.Info(map[string]interface{}{
		"op":         "agent_renew",
		"project":    l.Project,
		"expires_at": lk.ExpiresAt.Format(time.RFC3339),
	})
}
