package agent_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"mixlock/internal/agent"
	"mixlock/internal/conflict"
	"mixlock/internal/lease"
	"mixlock/internal/lock"
	"mixlock/internal/queue"
	"mixlock/internal/resilience"
	"mixlock/internal/storage"
)

type fakeVCS struct {
	hasRemote   bool
	localAhead  int
	remoteAhead int
	pushed      []string
	pulled      []string
}

func (f *fakeVCS) HasRemote(context.Context) bool { return f.hasRemote }
func (f *fakeVCS) AheadBehind(context.Context, string) (int, int, error) {
	return f.localAhead, f.remoteAhead, nil
}
func (f *fakeVCS) Push(_ context.Context, branch string) error {
	f.pushed = append(f.pushed, branch)
	return nil
}
func (f *fakeVCS) Pull(_ context.Context, branch string) error {
	f.pulled = append(f.pulled, branch)
	return nil
}

type harness struct {
	workdir string
	clock   time.Time
	locks   *lock.Manager
	store   *lock.Memory
	vcs     *fakeVCS
	exec    *agent.Executor
	q       *queue.Queue
	drainer *queue.Drainer
}

const (
	me      = "alice@studio"
	machine = "m-1"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		workdir: t.TempDir(),
		clock:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		store:   lock.NewMemory(),
		vcs:     &fakeVCS{hasRemote: true},
	}
	h.locks = lock.NewManager(h.store, nil, nil)
	h.locks.SetClock(func() time.Time { return h.clock })

	det := conflict.NewDetector(h.locks, h.vcs, me, nil)
	h.exec = agent.NewExecutor(h.locks, det, h.vcs, h.workdir, me, machine, nil)

	db, err := storage.Open(ctx, storage.Config{
		Path:        filepath.Join(h.workdir, "queue.db"),
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h.q, err = queue.New(ctx, db, nil, nil, 100)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	retryer := resilience.NewRetryer(resilience.Policy{MaxRetries: 1, InitialBackoff: time.Millisecond}, nil, nil)
	retryer.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	prober := resilience.NewProberFunc(func(ctx context.Context) error { return nil }, time.Minute, nil)
	h.drainer = queue.NewDrainer(h.q, h.exec, retryer, prober, nil, nil)
	return h
}

func (h *harness) newAgent(t *testing.T) *agent.Agent {
	t.Helper()
	a := agent.New(h.drainer, h.locks, h.workdir, agent.Options{
		Interval:    time.Second,
		AutoRenew:   true,
		RenewBefore: 30 * time.Minute,
		Extend:      time.Hour,
	}, nil)
	a.SetClock(func() time.Time { return h.clock })
	return a
}

func mustEnqueue(t *testing.T, h *harness, project string, kind queue.Kind, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if _, err := h.q.Enqueue(context.Background(), queue.Operation{
		Project: project, Kind: kind, Payload: data,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestExecutorAcquireSavesLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	mustEnqueue(t, h, "album-a", queue.KindAcquireLock, agent.AcquirePayload{LeaseMS: time.Hour.Milliseconds()})
	report, err := h.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("acquire did not run: %+v", report)
	}

	l, err := lease.Load(h.workdir)
	if err != nil || l == nil {
		t.Fatalf("lease not saved: %+v err=%v", l, err)
	}
	if l.Project != "album-a" || l.Owner != me {
		t.Fatalf("lease contents: %+v", l)
	}

	lk, _, err := h.locks.Status(ctx, "album-a")
	if err != nil || lk == nil || lk.LockID != l.LockID {
		t.Fatalf("backend and lease disagree: %+v vs %+v", lk, l)
	}
}

func TestExecutorAcquireHeldDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.locks.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour); err != nil {
		t.Fatalf("bob acquire: %v", err)
	}

	mustEnqueue(t, h, "album-a", queue.KindAcquireLock, agent.AcquirePayload{LeaseMS: time.Hour.Milliseconds()})
	report, err := h.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("held lock is a domain failure, not a retry: %+v", report)
	}
}

func TestExecutorPushGatedByConflictCheck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.vcs.localAhead, h.vcs.remoteAhead = 1, 1

	mustEnqueue(t, h, "album-a", queue.KindPush, agent.SyncPayload{Branch: "main"})
	report, err := h.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("diverged push must dead-letter: %+v", report)
	}
	if len(h.vcs.pushed) != 0 {
		t.Fatalf("push must not reach the remote: %v", h.vcs.pushed)
	}

	// Converged: the push goes through.
	h.vcs.localAhead, h.vcs.remoteAhead = 1, 0
	mustEnqueue(t, h, "album-b", queue.KindPush, agent.SyncPayload{Branch: "main"})
	report, err = h.drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("clean push should succeed: %+v", report)
	}
	if len(h.vcs.pushed) != 1 || h.vcs.pushed[0] != "main" {
		t.Fatalf("pushed branches: %v", h.vcs.pushed)
	}
}

func TestExecutorReleaseClearsLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	lk, err := h.locks.Acquire(ctx, "album-a", me, machine, time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Save(h.workdir, lease.Lease{
		Project: "album-a", LockID: lk.LockID, Owner: me, MachineID: machine, ExpiresAt: lk.ExpiresAt,
	}); err != nil {
		t.Fatalf("save lease: %v", err)
	}

	mustEnqueue(t, h, "album-a", queue.KindReleaseLock, agent.ReleasePayload{LockID: lk.LockID})
	report, err := h.drainer.Drain(ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("release drain: %+v err=%v", report, err)
	}

	l, err := lease.Load(h.workdir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if l != nil {
		t.Fatalf("lease must be cleared after release: %+v", l)
	}
	got, _, _ := h.locks.Status(ctx, "album-a")
	if got != nil {
		t.Fatalf("lock must be gone: %+v", got)
	}
}

func TestAgentRenewsExpiringLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	lk, err := h.locks.Acquire(ctx, "album-a", me, machine, 20*time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Save(h.workdir, lease.Lease{
		Project: "album-a", LockID: lk.LockID, Owner: me, MachineID: machine, ExpiresAt: lk.ExpiresAt,
	}); err != nil {
		t.Fatalf("save lease: %v", err)
	}

	// 20 minutes left is inside the 30 minute renew window.
	a := h.newAgent(t)
	a.Tick(ctx)

	l, err := lease.Load(h.workdir)
	if err != nil || l == nil {
		t.Fatalf("lease lost: %+v err=%v", l, err)
	}
	want := h.clock.Add(time.Hour)
	if !l.ExpiresAt.Equal(want) {
		t.Fatalf("lease not renewed: got %v want %v", l.ExpiresAt, want)
	}

	got, _, err := h.locks.Status(ctx, "album-a")
	if err != nil || got == nil || !got.ExpiresAt.Equal(want) {
		t.Fatalf("backend not extended: %+v err=%v", got, err)
	}
}

func TestAgentLeavesFreshLeaseAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	lk, err := h.locks.Acquire(ctx, "album-a", me, machine, 8*time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Save(h.workdir, lease.Lease{
		Project: "album-a", LockID: lk.LockID, Owner: me, MachineID: machine, ExpiresAt: lk.ExpiresAt,
	}); err != nil {
		t.Fatalf("save lease: %v", err)
	}

	a := h.newAgent(t)
	a.Tick(ctx)

	got, _, err := h.locks.Status(ctx, "album-a")
	if err != nil || got == nil {
		t.Fatalf("status: %+v err=%v", got, err)
	}
	if !got.ExpiresAt.Equal(lk.ExpiresAt) {
		t.Fatalf("fresh lease must not be touched: %v vs %v", got.ExpiresAt, lk.ExpiresAt)
	}
}

func TestAgentClearsLapsedLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if err := lease.Save(h.workdir, lease.Lease{
		Project: "album-a", LockID: "long-gone", Owner: me, MachineID: machine,
		ExpiresAt: h.clock.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("save lease: %v", err)
	}

	a := h.newAgent(t)
	a.Tick(ctx)

	l, err := lease.Load(h.workdir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if l != nil {
		t.Fatalf("lapsed lease must be cleared: %+v", l)
	}
}

func TestAgentClearsLeaseWhenLockLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Someone broke our lock and bob took the project.
	bobLk, err := h.locks.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour)
	if err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	if err := lease.Save(h.workdir, lease.Lease{
		Project: "album-a", LockID: "our-old-id", Owner: me, MachineID: machine,
		ExpiresAt: h.clock.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("save lease: %v", err)
	}

	a := h.newAgent(t)
	a.Tick(ctx)

	l, err := lease.Load(h.workdir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if l != nil {
		t.Fatalf("lost lock means no lease: %+v", l)
	}

	got, _, _ := h.locks.Status(ctx, "album-a")
	if got == nil || got.LockID != bobLk.LockID {
		t.Fatalf("bob's lock must be untouched: %+v", got)
	}
}
