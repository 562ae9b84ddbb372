// Package conflict gates pull and push. Project files cannot be three-way
// merged, so the only safe states are "you hold the lock" and "nobody needs
// it"; everything else is a recommendation to go get the lock or to stop and
// deal with divergence by hand.
package conflict

import (
	"context"

	"mixlock/internal/lock"
	"mixlock/internal/obs"
	"mixlock/internal/resilience"
	"mixlock/internal/vcs"
)

type Recommendation string

const (
	Safe                Recommendation = "safe"
	AcquireLock         Recommendation = "acquire-lock"
	ManualMergeRequired Recommendation = "manual-merge-required"
	CheckNetwork        Recommendation = "check-network"
)

// Result is computed on demand and never persisted.
type Result struct {
	HasConflicts   bool
	LocalAhead     int
	RemoteAhead    int
	LockedByOther  bool
	LockOwner      string
	Recommendation Recommendation
}

// Detector composes lock state with VCS divergence. It is synchronous and
// side-effect free apart from the lock manager's read-triggered expiry reap.
type Detector struct {
	locks    *lock.Manager
	vcs      vcs.Collaborator
	identity string
	logger   *obs.Logger
}

func NewDetector(locks *lock.Manager, collab vcs.Collaborator, identity string, logger *obs.Logger) *Detector {
	return &Detector{locks: locks, vcs: collab, identity: identity, logger: logger}
}

// CheckBeforePull reports whether pulling project on branch is safe.
// A lock held by someone else means AcquireLock even for a pull: a pull is
// usually followed by local edits, and those need the lock.
func (d *Detector) CheckBeforePull(ctx context.Context, project, branch string) (Result, error) {
	return d.check(ctx, project, branch)
}

// CheckBeforePush reports whether pushing project on branch is safe.
func (d *Detector) CheckBeforePush(ctx context.Context, project, branch string) (Result, error) {
	return d.check(ctx, project, branch)
}

// check never returns a hard error for an unreachable network: blocking every
// operation on a transient fetch failure would make the tool unusable
// offline. It degrades to lock-only checks and reports no conflicts it cannot
// verify: conservative on locks, permissive on unmeasurable divergence.
func (d *Detector) check(ctx context.Context, project, branch string) (Result, error) {
	var res Result

	lk, _, err := d.locks.Status(ctx, project)
	if err != nil {
		if resilience.IsTransient(err) {
			d.logger.Warn(map[string]interface{}{
				"op":      "conflict_check",
				"project": project,
				"error":   err.Error(),
				"degrade": "lock status unavailable",
			})
			res.Recommendation = CheckNetwork
			return res, nil
		}
		return res, err
	}

	if lk != nil && !lk.HeldBy(d.identity) {
		res.LockedByOther = true
		res.LockOwner = lk.Owner
		res.Recommendation = AcquireLock
		return res, nil
	}

	if !d.vcs.HasRemote(ctx) {
		// Nothing to diverge from.
		res.Recommendation = Safe
		return res, nil
	}

	local, remote, err := d.vcs.AheadBehind(ctx, branch)
	if err != nil {
		if resilience.IsTransient(err) {
			d.logger.Warn(map[string]interface{}{
				"op":      "conflict_check",
				"project": project,
				"error":   err.Error(),
				"degrade": "divergence unverified",
			})
			res.Recommendation = CheckNetwork
			return res, nil
		}
		return res, err
	}

	res.LocalAhead = local
	res.RemoteAhead = remote

	if local > 0 && remote > 0 {
		res.HasConflicts = true
		res.Recommendation = ManualMergeRequired
		return res, nil
	}

	res.Recommendation = Safe
	return res, nil
}
