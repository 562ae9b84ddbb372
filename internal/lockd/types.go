// Package lockd is the authoritative lock service behind mixlockd. It owns
// the single point of truth for lease records when a team runs the remote
// backend instead of a shared lock directory.
package lockd

import "time"

// Record is a lease row as stored. Times are unix nanoseconds; held-ness is
// derived from expiry at read time, never stored.
type Record struct {
	Project      string
	LockID       string
	Owner        string
	MachineID    string
	AcquiredAtNS int64
	ExpiresAtNS  int64
	HeartbeatNS  int64
	Version      int64
}

type AcquireRequest struct {
	Project   string
	LockID    string
	Owner     string
	MachineID string
	TTL       time.Duration
	Now       time.Time // injected for testability; if zero, service uses time.Now()
}

type AcquireResult struct {
	Acquired   bool
	Record     *Record
	Current    *Record // set when not acquired because another owner holds it
	RetryAfter time.Duration
	Busy       bool // sqlite contention; retryable
}

type HeartbeatRequest struct {
	Project  string
	LockID   string
	ExtendBy time.Duration
	Now      time.Time
}

type HeartbeatResult struct {
	Renewed bool
	Record  *Record
	Reason  string // NO_LOCK | LOCK_ID_MISMATCH | BUSY_RETRY
}

type ReleaseResult struct {
	Released bool
	Reason   string // NO_LOCK | LOCK_ID_MISMATCH | BUSY_RETRY
}

const (
	ReasonNoLock    = "NO_LOCK"
	ReasonMismatch  = "LOCK_ID_MISMATCH"
	ReasonBusyRetry = "BUSY_RETRY"
)
