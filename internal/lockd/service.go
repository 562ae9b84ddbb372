package lockd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mixlock/internal/obs"
	"mixlock/internal/storage"
)

var migrations = []storage.Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS locks (
  project TEXT PRIMARY KEY,
  lock_id TEXT NOT NULL,
  owner TEXT NOT NULL,
  machine_id TEXT NOT NULL,
  acquired_at_ns INTEGER NOT NULL,
  expires_at_ns INTEGER NOT NULL,
  heartbeat_ns INTEGER NOT NULL,
  version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locks_expiry ON locks(expires_at_ns);
`,
	},
}

// Service implements lease transitions over sqlite with serializable
// transactions. All conditional logic runs inside one transaction so two
// clients racing on the same project serialize here.
type Service struct {
	db      *storage.DB
	logger  *obs.Logger
	metrics *obs.Metrics
}

func NewService(ctx context.Context, db *storage.DB, logger *obs.Logger, metrics *obs.Metrics) (*Service, error) {
	if err := db.Migrate(ctx, migrations); err != nil {
		return nil, fmt.Errorf("migrate lock schema: %w", err)
	}
	return &Service{db: db, logger: logger, metrics: metrics}, nil
}

func (s *Service) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return time.Now()
}

func (s *Service) busy(op string) {
	if s.metrics != nil {
		s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
	}
}

func scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.Project, &r.LockID, &r.Owner, &r.MachineID,
		&r.AcquiredAtNS, &r.ExpiresAtNS, &r.HeartbeatNS, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const selectLock = `
SELECT project, lock_id, owner, machine_id, acquired_at_ns, expires_at_ns, heartbeat_ns, version
FROM locks WHERE project = ?;
`

func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if req.Project == "" || req.Owner == "" || req.LockID == "" {
		return AcquireResult{}, fmt.Errorf("project, owner and lock_id required")
	}
	if req.TTL < 0 {
		return AcquireResult{}, fmt.Errorf("ttl must be >= 0")
	}
	start := time.Now()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	expiryNs := now.Add(req.TTL).UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("acquire")
			return AcquireResult{Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		return AcquireResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRecord(tx.QueryRowContext(ctx, selectLock, req.Project))
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("acquire")
			return AcquireResult{Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		return AcquireResult{}, err
	}

	// Held by someone else and not yet expired: reject with holder details.
	if cur != nil && cur.ExpiresAtNS > nowNs && cur.Owner != req.Owner {
		if err := tx.Commit(); err != nil {
			return AcquireResult{}, err
		}
		s.logger.Info(map[string]interface{}{
			"op":         "acquire",
			"project":    req.Project,
			"owner":      req.Owner,
			"acquired":   false,
			"cur_owner":  cur.Owner,
			"latency_ms": time.Since(start).Milliseconds(),
		})
		return AcquireResult{
			Acquired:   false,
			Current:    cur,
			RetryAfter: recommendedRetry(nowNs, cur.ExpiresAtNS),
		}, nil
	}

	// Absent, expired, or same-owner refresh: install the candidate lease.
	_, err = tx.ExecContext(ctx, `
INSERT INTO locks(project, lock_id, owner, machine_id, acquired_at_ns, expires_at_ns, heartbeat_ns, version)
VALUES(?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(project) DO UPDATE SET
  lock_id = excluded.lock_id,
  owner = excluded.owner,
  machine_id = excluded.machine_id,
  acquired_at_ns = excluded.acquired_at_ns,
  expires_at_ns = excluded.expires_at_ns,
  heartbeat_ns = excluded.heartbeat_ns,
  version = locks.version + 1;
`, req.Project, req.LockID, req.Owner, req.MachineID, nowNs, expiryNs, nowNs)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("acquire")
			return AcquireResult{Busy: true, RetryAfter: 50 * time.Millisecond}, nil
		}
		return AcquireResult{}, err
	}

	rec := &Record{
		Project:      req.Project,
		LockID:       req.LockID,
		Owner:        req.Owner,
		MachineID:    req.MachineID,
		AcquiredAtNS: nowNs,
		ExpiresAtNS:  expiryNs,
		HeartbeatNS:  nowNs,
	}
	s.logger.Info(map[string]interface{}{
		"op":         "acquire",
		"project":    req.Project,
		"owner":      req.Owner,
		"acquired":   true,
		"lock_id":    req.LockID,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	return AcquireResult{Acquired: true, Record: rec}, nil
}

func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResult, error) {
	if req.Project == "" || req.LockID == "" {
		return HeartbeatResult{}, fmt.Errorf("project and lock_id required")
	}
	if req.ExtendBy <= 0 {
		return HeartbeatResult{}, fmt.Errorf("extend_by must be > 0")
	}

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	newExpNs := now.Add(req.ExtendBy).UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("heartbeat")
			return HeartbeatResult{Reason: ReasonBusyRetry}, nil
		}
		return HeartbeatResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE locks
SET expires_at_ns = ?,
    heartbeat_ns = ?,
    version = version + 1
WHERE project = ?
  AND lock_id = ?
  AND expires_at_ns > ?;
`, newExpNs, nowNs, req.Project, req.LockID, nowNs)
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("heartbeat")
			return HeartbeatResult{Reason: ReasonBusyRetry}, nil
		}
		return HeartbeatResult{}, err
	}

	aff, _ := res.RowsAffected()
	if aff != 1 {
		// Distinguish "no live lease" from "held under a different lease".
		cur, scanErr := scanRecord(tx.QueryRowContext(ctx, selectLock, req.Project))
		if scanErr != nil {
			return HeartbeatResult{}, scanErr
		}
		_ = tx.Commit()
		if cur == nil || cur.ExpiresAtNS <= nowNs {
			return HeartbeatResult{Renewed: false, Reason: ReasonNoLock}, nil
		}
		return HeartbeatResult{Renewed: false, Reason: ReasonMismatch}, nil
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectLock, req.Project))
	if err != nil {
		return HeartbeatResult{}, err
	}
	if err := tx.Commit(); err != nil {
		if storage.IsBusy(err) {
			s.busy("heartbeat")
			return HeartbeatResult{Reason: ReasonBusyRetry}, nil
		}
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{Renewed: true, Record: rec}, nil
}

func (s *Service) Release(ctx context.Context, project, lockID string, reqNow time.Time) (ReleaseResult, error) {
	if project == "" || lockID == "" {
		return ReleaseResult{}, fmt.Errorf("project and lock_id required")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("release")
			return ReleaseResult{Reason: ReasonBusyRetry}, nil
		}
		return ReleaseResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE project = ? AND lock_id = ?;`, project, lockID)
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("release")
			return ReleaseResult{Reason: ReasonBusyRetry}, nil
		}
		return ReleaseResult{}, err
	}

	aff, _ := res.RowsAffected()
	if aff == 1 {
		if err := tx.Commit(); err != nil {
			return ReleaseResult{}, err
		}
		return ReleaseResult{Released: true}, nil
	}

	cur, err := scanRecord(tx.QueryRowContext(ctx, selectLock, project))
	if err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	if cur == nil {
		return ReleaseResult{Released: false, Reason: ReasonNoLock}, nil
	}
	return ReleaseResult{Released: false, Reason: ReasonMismatch}, nil
}

// Break removes the lease unconditionally. The HTTP layer requires an
// explicit confirmation header so a misbehaving client cannot trip it.
func (s *Service) Break(ctx context.Context, project string) (bool, error) {
	if project == "" {
		return false, fmt.Errorf("project required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE project = ?;`, project)
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	if aff == 1 {
		s.logger.Warn(map[string]interface{}{
			"op":      "force_break",
			"project": project,
		})
	}
	return aff == 1, nil
}

// Get returns the raw record without evaluating expiry; clients classify.
func (s *Service) Get(ctx context.Context, project string) (*Record, error) {
	if project == "" {
		return nil, fmt.Errorf("project required")
	}
	return scanRecord(s.db.QueryRowContext(ctx, selectLock, project))
}

func recommendedRetry(nowNs, expiryNs int64) time.Duration {
	// Retry around a quarter of the remaining lease, clamped. Jitter is the
	// client's job.
	until := time.Duration(expiryNs-nowNs) * time.Nanosecond
	if until < 0 {
		until = 0
	}
	h := until / 4
	if h < 25*time.Millisecond {
		h = 25 * time.Millisecond
	}
	if h > 1*time.Second {
		h = 1 * time.Second
	}
	return h
}
