// Package queue is the durable offline queue: sync operations that could not
// complete immediately are appended here and replayed later, in order, per
// project. The queue lives in a sqlite database owned exclusively by one
// local working copy; it is never shared across machines.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mixlock/internal/obs"
	"mixlock/internal/storage"
)

type Kind string

const (
	KindAcquireLock Kind = "acquire-lock"
	KindPush        Kind = "push"
	KindPull        Kind = "pull"
	KindReleaseLock Kind = "release-lock"
	KindHeartbeat   Kind = "heartbeat"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Operation is what callers enqueue: a kind plus its JSON payload, scoped to
// one project.
type Operation struct {
	Project string
	Kind    Kind
	Payload json.RawMessage
}

// Entry is a queued operation. Seq is monotonically increasing per queue, so
// replay order is deterministic; entries for the same project always execute
// in Seq order.
type Entry struct {
	ID            string
	Seq           int64
	Project       string
	Kind          Kind
	Payload       json.RawMessage
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
	Status        Status
	LastError     string
}

// backlogAge flags a queue whose head has waited this long even when the
// entry count is small. It usually means drains keep failing or never run.
const backlogAge = 24 * time.Hour

// Stats summarizes the queue for backlog warnings and the stats command.
type Stats struct {
	ByStatus         map[Status]int
	OldestPendingAge time.Duration
	Backlog          bool
}

var migrations = []storage.Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS queue_entries (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  project TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  enqueued_at_ns INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  next_attempt_at_ns INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  updated_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_project_status ON queue_entries(project, status, seq);
`,
	},
}

// Queue is the durable store plus its backlog policy.
type Queue struct {
	db         *storage.DB
	logger     *obs.Logger
	metrics    *obs.Metrics
	maxEntries int
	now        func() time.Time
}

func New(ctx context.Context, db *storage.DB, logger *obs.Logger, metrics *obs.Metrics, maxEntries int) (*Queue, error) {
	if err := db.Migrate(ctx, migrations); err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}

	// Entries left in_flight belong to a process that died mid-drain.
	// Nothing else will ever pick them up, so they go back to pending.
	res, err := db.ExecContext(ctx, `
UPDATE queue_entries SET status = 'pending', updated_at_ns = ? WHERE status = 'in_flight';
`, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("recover in-flight entries: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Warn(map[string]interface{}{
			"op":        "queue_recover",
			"recovered": n,
		})
	}

	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Queue{
		db:         db,
		logger:     logger,
		metrics:    metrics,
		maxEntries: maxEntries,
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue appends op durably and returns the stored entry. A backlog beyond
// maxEntries is warned about, never refused: dropping user work is worse than
// a long queue.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Entry, error) {
	if op.Project == "" || op.Kind == "" {
		return Entry{}, fmt.Errorf("project and kind required")
	}
	payload := op.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	now := q.now()
	id := uuid.NewString()

	res, err := q.db.ExecContext(ctx, `
INSERT INTO queue_entries(id, project, kind, payload, enqueued_at_ns, status, updated_at_ns)
VALUES(?, ?, ?, ?, ?, 'pending', ?);
`, id, op.Project, string(op.Kind), string(payload), now.UnixNano(), now.UnixNano())
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:         id,
		Seq:        seq,
		Project:    op.Project,
		Kind:       op.Kind,
		Payload:    payload,
		EnqueuedAt: now,
		Status:     StatusPending,
	}

	q.logger.Info(map[string]interface{}{
		"op":      "enqueue",
		"project": op.Project,
		"kind":    string(op.Kind),
		"seq":     seq,
	})

	if st, err := q.Stats(ctx); err == nil && st.Backlog {
		q.logger.Warn(map[string]interface{}{
			"op":          "enqueue",
			"project":     op.Project,
			"warning":     "queue backlog",
			"pending":     st.ByStatus[StatusPending],
			"max_entries": q.maxEntries,
		})
	}
	return entry, nil
}

const selectEntry = `
SELECT seq, id, project, kind, payload, enqueued_at_ns, attempts, next_attempt_at_ns, status, last_error
FROM queue_entries
`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e          Entry
		kind       string
		payload    string
		status     string
		enqueuedNs int64
		nextNs     int64
	)
	err := row.Scan(&e.Seq, &e.ID, &e.Project, &kind, &payload, &enqueuedNs, &e.Attempts, &nextNs, &status, &e.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Payload = json.RawMessage(payload)
	e.Status = Status(status)
	e.EnqueuedAt = time.Unix(0, enqueuedNs)
	if nextNs > 0 {
		e.NextAttemptAt = time.Unix(0, nextNs)
	}
	return &e, nil
}

// ProjectsWithPending returns the distinct projects that have pending work,
// in order of their oldest pending entry, so long-waiting projects drain
// first.
func (q *Queue) ProjectsWithPending(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT project FROM queue_entries
WHERE status = 'pending'
GROUP BY project
ORDER BY MIN(seq);
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// NextPending returns the oldest pending entry for project, or nil.
func (q *Queue) NextPending(ctx context.Context, project string) (*Entry, error) {
	return scanEntry(q.db.QueryRowContext(ctx,
		selectEntry+`WHERE project = ? AND status = 'pending' ORDER BY seq LIMIT 1;`, project))
}

// Entries lists all entries in sequence order. Used by tests and the CLI.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, selectEntry+`ORDER BY seq;`)
}

// HasFailed reports whether project has a dead-lettered entry. While one
// exists, later entries for the same project do not drain; they may depend on
// the failed operation's effects.
func (q *Queue) HasFailed(ctx context.Context, project string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE project = ? AND status = 'failed';`, project).Scan(&n)
	return n > 0, err
}

// Retry resets a dead-lettered entry to pending so the next drain picks it
// up again. Used after an operator has resolved the underlying problem.
func (q *Queue) Retry(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_entries
SET status = 'pending', last_error = '', next_attempt_at_ns = 0, updated_at_ns = ?
WHERE id = ? AND status = 'failed';
`, q.now().UnixNano(), id)
	return err
}

// Failed lists dead-lettered entries for operator inspection.
func (q *Queue) Failed(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, selectEntry+`WHERE status = 'failed' ORDER BY seq;`)
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (q *Queue) setStatus(ctx context.Context, id string, status Status, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_entries SET status = ?, last_error = ?, updated_at_ns = ? WHERE id = ?;
`, string(status), lastError, q.now().UnixNano(), id)
	return err
}

// MarkInFlight transitions an entry to in_flight before execution.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusInFlight, "")
}

// MarkSucceeded is terminal.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusSucceeded, "")
}

// MarkFailed dead-letters the entry. Terminal; an operator can inspect it via
// Failed and the cleanup pass may eventually evict it.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause string) error {
	return q.setStatus(ctx, id, StatusFailed, cause)
}

// MarkRetry puts the entry back to pending with an incremented attempt count
// and a not-before time for the next drain.
func (q *Queue) MarkRetry(ctx context.Context, id string, cause string, nextAttempt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE queue_entries
SET status = 'pending', attempts = attempts + 1, last_error = ?, next_attempt_at_ns = ?, updated_at_ns = ?
WHERE id = ?;
`, cause, nextAttempt.UnixNano(), q.now().UnixNano(), id)
	return err
}

// Stats counts entries by status and reports the oldest pending age.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[Status]int)}

	rows, err := q.db.QueryContext(ctx, `
SELECT status, COUNT(*), MIN(enqueued_at_ns) FROM queue_entries GROUP BY status;
`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	now := q.now()
	for rows.Next() {
		var (
			status string
			count  int
			oldest sql.NullInt64
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return st, err
		}
		st.ByStatus[Status(status)] = count
		if Status(status) == StatusPending && oldest.Valid {
			st.OldestPendingAge = now.Sub(time.Unix(0, oldest.Int64))
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	st.Backlog = st.ByStatus[StatusPending] > q.maxEntries || st.OldestPendingAge > backlogAge

	if q.metrics != nil {
		for _, s := range []Status{StatusPending, StatusInFlight, StatusSucceeded, StatusFailed} {
			q.metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(st.ByStatus[s]))
		}
	}
	return st, nil
}

// Cleanup evicts terminal entries older than olderThan. Pending and in-flight
// entries are never evicted; they are user work.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.now().Add(-olderThan).UnixNano()
	res, err := q.db.ExecContext(ctx, `
DELETE FROM queue_entries
WHERE status IN ('succeeded', 'failed') AND updated_at_ns < ?;
`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info(map[string]interface{}{
			"op":      "queue_cleanup",
			"evicted": n,
		})
	}
	return n, nil
}
