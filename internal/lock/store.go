package lock

import (
	"context"
	"time"
)

// Store is the persistence contract for lock records. Each backend must make
// Acquire atomic with respect to concurrent acquirers from other processes
// and machines: two clients that both observe "no lock" must not both win.
//
// Backends: Memory (tests, single process), File (replicated lock file on a
// shared directory), Remote (mixlockd HTTP service), Redis.
type Store interface {
	// Get returns the current record for project, or nil when none exists.
	// Get does not evaluate expiry; that is the Manager's job.
	Get(ctx context.Context, project string) (*Lock, error)

	// Acquire installs candidate if the project has no record, the existing
	// record has expired as of candidate.AcquiredAt, or the existing record
	// belongs to candidate.Owner (same-identity refresh). Otherwise it
	// returns *AlreadyLockedError describing the current holder.
	Acquire(ctx context.Context, candidate *Lock) (*Lock, error)

	// Heartbeat updates expiry and last-heartbeat on the record whose LockID
	// matches. Returns ErrNoLock when no record exists and ErrLockIDMismatch
	// when the record is held under a different lease.
	Heartbeat(ctx context.Context, project, lockID string, expiresAt, heartbeatAt time.Time) (*Lock, error)

	// Release removes the record whose LockID matches. Returns ErrNoLock when
	// no record exists and ErrLockIDMismatch on a stale lease.
	Release(ctx context.Context, project, lockID string) error

	// ForceRemove removes the record regardless of holder. Returns ErrNoLock
	// when no record exists.
	ForceRemove(ctx context.Context, project string) error
}
