package queue

import (
	"context"
	"time"

	"mixlock/internal/obs"
	"mixlock/internal/resilience"
)

// Executor runs one queued operation against the real world (lock server,
// version control remote). Implementations must return transient-classified
// errors for network failures so the drainer can distinguish "try again
// later" from "this will never work".
type Executor interface {
	Execute(ctx context.Context, e Entry) error
}

// SyncReport is what one drain pass accomplished.
type SyncReport struct {
	Offline   bool
	Succeeded int
	Failed    int
	Deferred  int
}

// Drainer replays pending entries. Ordering rules: within a project, entries
// run strictly in sequence, and any failure stops that project's drain so a
// later operation never runs before an earlier one it may depend on.
// Different projects are independent; one project's failure does not block
// another's drain.
type Drainer struct {
	queue        *Queue
	exec         Executor
	retryer      *resilience.Retryer
	prober       *resilience.Prober
	probeTimeout time.Duration
	logger       *obs.Logger
	metrics      *obs.Metrics
}

func NewDrainer(q *Queue, exec Executor, retryer *resilience.Retryer, prober *resilience.Prober, logger *obs.Logger, metrics *obs.Metrics) *Drainer {
	return &Drainer{
		queue:        q,
		exec:         exec,
		retryer:      retryer,
		prober:       prober,
		probeTimeout: 3 * time.Second,
		logger:       logger,
		metrics:      metrics,
	}
}

// Drain runs one pass over every project with pending work. When the
// connectivity probe reports offline, nothing is attempted and every pending
// entry counts as deferred.
func (d *Drainer) Drain(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	if d.prober != nil && !d.prober.Online(ctx, d.probeTimeout) {
		st, err := d.queue.Stats(ctx)
		if err != nil {
			return report, err
		}
		report.Offline = true
		report.Deferred = st.ByStatus[StatusPending]
		d.record(report)
		d.logger.Info(map[string]interface{}{
			"op":       "drain",
			"offline":  true,
			"deferred": report.Deferred,
		})
		return report, nil
	}

	projects, err := d.queue.ProjectsWithPending(ctx)
	if err != nil {
		return report, err
	}

	for _, project := range projects {
		if err := d.drainProject(ctx, project, &report); err != nil {
			return report, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	d.record(report)
	// Refresh depth gauges after the pass.
	if _, err := d.queue.Stats(ctx); err != nil {
		d.logger.Warn(map[string]interface{}{"op": "drain", "error": err.Error()})
	}

	d.logger.Info(map[string]interface{}{
		"op":        "drain",
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"deferred":  report.Deferred,
	})
	return report, nil
}

func (d *Drainer) record(report SyncReport) {
	if d.metrics == nil {
		return
	}
	d.metrics.DrainTotal.WithLabelValues("succeeded").Add(float64(report.Succeeded))
	d.metrics.DrainTotal.WithLabelValues("failed").Add(float64(report.Failed))
	d.metrics.DrainTotal.WithLabelValues("deferred").Add(float64(report.Deferred))
}

func (d *Drainer) drainProject(ctx context.Context, project string, report *SyncReport) error {
	if blocked, err := d.queue.HasFailed(ctx, project); err != nil {
		return err
	} else if blocked {
		d.logger.Warn(map[string]interface{}{
			"op":      "drain",
			"project": project,
			"skipped": "project has a dead-lettered entry",
		})
		return nil
	}

	now := d.queue.now()
	for {
		entry, err := d.queue.NextPending(ctx, project)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.NextAttemptAt.After(now) {
			report.Deferred++
			return nil
		}

		if err := d.queue.MarkInFlight(ctx, entry.ID); err != nil {
			return err
		}

		execErr := d.retryer.Do(ctx, "queue_"+string(entry.Kind), func(ctx context.Context) error {
			return d.exec.Execute(ctx, *entry)
		})
		if execErr == nil {
			if err := d.queue.MarkSucceeded(ctx, entry.ID); err != nil {
				return err
			}
			report.Succeeded++
			continue
		}

		if ctx.Err() != nil {
			// Shutdown mid-drain: the entry goes back to pending
			// without counting as a failed attempt. The write must
			// outlive the cancelled context or the entry stays
			// in_flight across the restart.
			return d.queue.MarkRetry(context.WithoutCancel(ctx), entry.ID, execErr.Error(), now)
		}

		if resilience.IsTransient(execErr) {
			// Retries exhausted but the operation may still work
			// once the network recovers. Back off for a minute and
			// stop this project so ordering holds.
			if err := d.queue.MarkRetry(ctx, entry.ID, execErr.Error(), now.Add(time.Minute)); err != nil {
				return err
			}
			report.Deferred++
			d.logger.Warn(map[string]interface{}{
				"op":       "drain",
				"project":  project,
				"entry_id": entry.ID,
				"kind":     string(entry.Kind),
				"deferred": true,
				"error":    execErr.Error(),
			})
			return nil
		}

		// Permanent failure: dead-letter, and stop this project's drain.
		// Entries behind it may depend on its effects; an operator has
		// to look before anything else in this project runs.
		if err := d.queue.MarkFailed(ctx, entry.ID, execErr.Error()); err != nil {
			return err
		}
		report.Failed++
		d.logger.Error(map[string]interface{}{
			"op":       "drain",
			"project":  project,
			"entry_id": entry.ID,
			"kind":     string(entry.Kind),
			"error":    execErr.Error(),
		})
		return nil
	}
}
