// Package agent runs queued sync operations against the real lock backend
// and version control remote, and keeps a held lock alive in the background.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mixlock/internal/conflict"
	"mixlock/internal/lease"
	"mixlock/internal/lock"
	"mixlock/internal/obs"
	"mixlock/internal/queue"
	"mixlock/internal/vcs"
)

// Payloads for the queue entry kinds. Fields a kind does not use stay zero.
type (
	AcquirePayload struct {
		LeaseMS int64 `json:"lease_ms"`
	}
	SyncPayload struct {
		Branch string `json:"branch"`
	}
	ReleasePayload struct {
		LockID string `json:"lock_id"`
	}
	HeartbeatPayload struct {
		LockID   string `json:"lock_id"`
		ExtendMS int64  `json:"extend_ms"`
	}
)

// Executor maps queue entries onto the lock manager and the working copy's
// version control adapter.
type Executor struct {
	locks     *lock.Manager
	detector  *conflict.Detector
	vcs       vcs.Collaborator
	workdir   string
	identity  string
	machineID string
	logger    *obs.Logger
}

func NewExecutor(locks *lock.Manager, detector *conflict.Detector, collab vcs.Collaborator, workdir, identity, machineID string, logger *obs.Logger) *Executor {
	return &Executor{
		locks:     locks,
		detector:  detector,
		vcs:       collab,
		workdir:   workdir,
		identity:  identity,
		machineID: machineID,
		logger:    logger,
	}
}

func (x *Executor) Execute(ctx context.Context, e queue.Entry) error {
	switch e.Kind {
	case queue.KindAcquireLock:
		return x.acquire(ctx, e)
	case queue.KindPush:
		return x.push(ctx, e)
	case queue.KindPull:
		return x.pull(ctx, e)
	case queue.KindReleaseLock:
		return x.release(ctx, e)
	case queue.KindHeartbeat:
		return x.heartbeat(ctx, e)
	default:
		return fmt.Errorf("unknown operation kind %q", e.Kind)
	}
}

func (x *Executor) acquire(ctx context.Context, e queue.Entry) error {
	var p AcquirePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode acquire payload: %w", err)
	}
	lk, err := x.locks.Acquire(ctx, e.Project, x.identity, x.machineID, time.Duration(p.LeaseMS)*time.Millisecond)
	if err != nil {
		// Held by someone else is a domain outcome, not a network
		// fault. It dead-letters so the user sees it instead of the
		// queue silently spinning.
		return err
	}
	return lease.Save(x.workdir, lease.Lease{
		Project:   lk.Project,
		LockID:    lk.LockID,
		Owner:     lk.Owner,
		MachineID: lk.MachineID,
		ExpiresAt: lk.ExpiresAt,
	})
}

func (x *Executor) push(ctx context.Context, e queue.Entry) error {
	var p SyncPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode push payload: %w", err)
	}
	res, err := x.detector.CheckBeforePush(ctx, e.Project, p.Branch)
	if err != nil {
		return err
	}
	if res.Recommendation != conflict.Safe {
		return fmt.Errorf("push blocked: %s", res.Recommendation)
	}
	return x.vcs.Push(ctx, p.Branch)
}

func (x *Executor) pull(ctx context.Context, e queue.Entry) error {
	var p SyncPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode pull payload: %w", err)
	}
	res, err := x.detector.CheckBeforePull(ctx, e.Project, p.Branch)
	if err != nil {
		return err
	}
	if res.Recommendation != conflict.Safe {
		return fmt.Errorf("pull blocked: %s", res.Recommendation)
	}
	return x.vcs.Pull(ctx, p.Branch)
}

func (x *Executor) release(ctx context.Context, e queue.Entry) error {
	var p ReleasePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode release payload: %w", err)
	}
	if err := x.locks.Release(ctx, e.Project, p.LockID); err != nil {
		return err
	}
	return lease.Clear(x.workdir)
}

func (x *Executor) heartbeat(ctx context.Context, e queue.Entry) error {
	var p HeartbeatPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode heartbeat payload: %w", err)
	}
	lk, err := x.locks.Heartbeat(ctx, e.Project, p.LockID, time.Duration(p.ExtendMS)*time.Millisecond)
	if err != nil {
		return err
	}
	return lease.Save(x.workdir, lease.Lease{
		Project:   lk.Project,
		LockID:    lk.LockID,
		Owner:     lk.Owner,
		MachineID: lk.MachineID,
		ExpiresAt: lk.ExpiresAt,
	})
}
