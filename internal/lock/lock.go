// Package lock coordinates exclusive editing access to one project at a time.
// A Lock is a lease: it is created by Acquire, kept alive by Heartbeat,
// removed by Release (holder only) or ForceBreak (operator override), and
// silently reclaimable once its expiry has passed. Project files under a lock
// are binary and cannot be merged, so at most one live lease may exist per
// project at any instant.
package lock

import "time"

// Lock is a single lease on a project. LockID is unique per lease; a holder
// that re-acquires gets a fresh LockID.
type Lock struct {
	LockID        string    `json:"lock_id"`
	Project       string    `json:"project"`
	Owner         string    `json:"owner"` // identity string, e.g. user@host
	MachineID     string    `json:"machine_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// StaleAfter is the heartbeat silence after which an active lease is treated
// as an abandoned session. Stale leases are surfaced as warnings, never
// auto-reclaimed.
const StaleAfter = time.Hour

type State int

const (
	StateActive State = iota
	StateStale
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// StateAt classifies the lease at the given instant. Expiry wins over
// staleness: an expired lease is expired no matter how recent its heartbeat.
func (l *Lock) StateAt(now time.Time) State {
	if !now.Before(l.ExpiresAt) {
		return StateExpired
	}
	if now.Sub(l.LastHeartbeat) > StaleAfter {
		return StateStale
	}
	return StateActive
}

// ExpiredAt reports whether the lease is reclaimable at the given instant.
func (l *Lock) ExpiredAt(now time.Time) bool {
	return l.StateAt(now) == StateExpired
}

// HeldBy reports whether the lease belongs to the given identity.
func (l *Lock) HeldBy(identity string) bool {
	return l.Owner == identity
}
