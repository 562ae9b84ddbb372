package lock_test

import (
	"context"
	"testing"
	"time"

	"mixlock/internal/lock"
)

func newTestManager(t *testing.T) (*lock.Manager, *fakeClock) {
	t.Helper()
	m := lock.NewManager(lock.NewMemory(), nil, nil)
	clk := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m.SetClock(clk.Now)
	return m, clk
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	lk, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", 8*time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lk.LockID == "" {
		t.Fatalf("expected lock id")
	}
	if lk.Owner != "alice@studio" || lk.MachineID != "m-1" {
		t.Fatalf("wrong holder: %+v", lk)
	}

	got, state, err := m.Status(ctx, "album-a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got == nil || got.LockID != lk.LockID {
		t.Fatalf("status lost lock: %+v", got)
	}
	if state != lock.StateActive {
		t.Fatalf("expected active, got %s", state)
	}

	if err := m.Release(ctx, "album-a", lk.LockID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _, err = m.Status(ctx, "album-a")
	if err != nil {
		t.Fatalf("status after release: %v", err)
	}
	if got != nil {
		t.Fatalf("expected unlocked, got %+v", got)
	}
}

func TestAcquireHeldByOther(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}

	_, err := m.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour)
	if err == nil {
		t.Fatalf("expected bob's acquire to fail")
	}
	held, ok := lock.IsAlreadyLocked(err)
	if !ok {
		t.Fatalf("expected AlreadyLockedError, got %v", err)
	}
	if held.Owner != "alice@studio" {
		t.Fatalf("expected holder alice@studio, got %s", held.Owner)
	}
}

func TestReacquireSameOwnerRefreshes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	first, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour)
	if err != nil {
		t.Fatalf("re-acquire by holder must succeed: %v", err)
	}
	if second.LockID == first.LockID {
		t.Fatalf("re-acquire must mint a fresh lock id")
	}
}

func TestReleaseEdgeCases(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	// No lock at all: a no-op, not an error.
	if err := m.Release(ctx, "album-a", "bogus-id"); err != nil {
		t.Fatalf("release on unlocked project: %v", err)
	}

	lk, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Wrong lock id must not clobber the live lease.
	if err := m.Release(ctx, "album-a", "not-the-id"); err != lock.ErrLockIDMismatch {
		t.Fatalf("expected ErrLockIDMismatch, got %v", err)
	}
	got, _, err := m.Status(ctx, "album-a")
	if err != nil || got == nil || got.LockID != lk.LockID {
		t.Fatalf("lease molested by mismatched release: %+v err=%v", got, err)
	}
}

func TestExpiryReapedOnRead(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager(t)

	if _, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(2 * time.Hour)

	got, _, err := m.Status(ctx, "album-a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got != nil {
		t.Fatalf("expired lease should have been reaped, got %+v", got)
	}

	// Someone else can now take it.
	if _, err := m.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestZeroLeaseExpiresImmediately(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", 0); err != nil {
		t.Fatalf("zero lease acquire: %v", err)
	}
	got, _, err := m.Status(ctx, "album-a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got != nil {
		t.Fatalf("zero-duration lease must already be expired, got %+v", got)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager(t)

	lk, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clk.Advance(30 * time.Minute)
	renewed, err := m.Heartbeat(ctx, "album-a", lk.LockID, time.Hour)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := clk.Now().Add(time.Hour)
	if !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("expiry not extended: got %v want %v", renewed.ExpiresAt, want)
	}
	if !renewed.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("heartbeat time not recorded: %v", renewed.LastHeartbeat)
	}

	// A stranger presenting the wrong id gets rejected and mutates nothing.
	before, _, _ := m.Status(ctx, "album-a")
	if _, err := m.Heartbeat(ctx, "album-a", "wrong-id", time.Hour); err != lock.ErrLockIDMismatch {
		t.Fatalf("expected ErrLockIDMismatch, got %v", err)
	}
	after, _, _ := m.Status(ctx, "album-a")
	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatalf("mismatched heartbeat changed expiry")
	}
}

func TestHeartbeatAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager(t)

	lk, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(2 * time.Hour)

	if _, err := m.Heartbeat(ctx, "album-a", lk.LockID, time.Hour); err != lock.ErrNoLock {
		t.Fatalf("heartbeat on expired lease: want ErrNoLock, got %v", err)
	}
}

func TestStaleClassification(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager(t)

	if _, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", 8*time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// No heartbeat for two hours but still inside the lease: stale, not
	// expired, and never auto-reclaimed.
	clk.Advance(2 * time.Hour)
	got, state, err := m.Status(ctx, "album-a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got == nil {
		t.Fatalf("stale lease must survive")
	}
	if state != lock.StateStale {
		t.Fatalf("expected stale, got %s", state)
	}

	if _, err := m.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour); err == nil {
		t.Fatalf("stale lease must still block other acquirers")
	}
}

func TestForceBreak(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if err := m.ForceBreak(ctx, "album-a"); err != lock.ErrNoLock {
		t.Fatalf("break on unlocked project: want ErrNoLock, got %v", err)
	}

	if _, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", 8*time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.ForceBreak(ctx, "album-a"); err != nil {
		t.Fatalf("force break: %v", err)
	}
	got, _, err := m.Status(ctx, "album-a")
	if err != nil || got != nil {
		t.Fatalf("expected unlocked after break, got %+v err=%v", got, err)
	}

	if _, err := m.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour); err != nil {
		t.Fatalf("acquire after break: %v", err)
	}
}

func TestIndependentProjects(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.Acquire(ctx, "album-a", "alice@studio", "m-1", time.Hour); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := m.Acquire(ctx, "album-b", "bob@laptop", "m-2", time.Hour); err != nil {
		t.Fatalf("locks must be per project: %v", err)
	}
}
