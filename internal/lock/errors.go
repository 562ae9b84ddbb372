package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoLock is returned by Heartbeat and ForceBreak when no lease exists.
	// Release treats the same condition as a successful no-op.
	ErrNoLock = errors.New("no lock held")

	// ErrLockIDMismatch means the caller's cached lease is stale: the project
	// is locked, but under a different lease than the one presented. The
	// caller must re-fetch status; it must never override the current holder.
	ErrLockIDMismatch = errors.New("lock id does not match current holder")
)

// AlreadyLockedError is returned by Acquire when another identity holds an
// unexpired lease. It carries enough context for the caller to contact the
// holder or wait out the lease.
type AlreadyLockedError struct {
	Project   string
	Owner     string
	MachineID string
	ExpiresAt time.Time
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("project %s is locked by %s (machine %s) until %s",
		e.Project, e.Owner, e.MachineID, e.ExpiresAt.Format(time.RFC3339))
}

// IsAlreadyLocked reports whether err is an AlreadyLockedError and returns it.
func IsAlreadyLocked(err error) (*AlreadyLockedError, bool) {
	var al *AlreadyLockedError
	if errors.As(err, &al) {
		return al, true
	}
	return nil, false
}
