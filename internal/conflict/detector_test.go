package conflict_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mixlock/internal/conflict"
	"mixlock/internal/lock"
	"mixlock/internal/resilience"
)

// fakeVCS scripts the collaborator's answers.
type fakeVCS struct {
	hasRemote   bool
	localAhead  int
	remoteAhead int
	divergeErr  error
}

func (f *fakeVCS) HasRemote(context.Context) bool { return f.hasRemote }
func (f *fakeVCS) AheadBehind(context.Context, string) (int, int, error) {
	if f.divergeErr != nil {
		return 0, 0, f.divergeErr
	}
	return f.localAhead, f.remoteAhead, nil
}
func (f *fakeVCS) Push(context.Context, string) error { return nil }
func (f *fakeVCS) Pull(context.Context, string) error { return nil }

// downStore simulates an unreachable lock backend.
type downStore struct{}

func (downStore) Get(context.Context, string) (*lock.Lock, error) {
	return nil, resilience.MarkTransient(errors.New("dial tcp: connection refused"))
}
func (downStore) Acquire(context.Context, *lock.Lock) (*lock.Lock, error) {
	return nil, resilience.MarkTransient(errors.New("dial tcp: connection refused"))
}
func (downStore) Heartbeat(context.Context, string, string, time.Time, time.Time) (*lock.Lock, error) {
	return nil, resilience.MarkTransient(errors.New("dial tcp: connection refused"))
}
func (downStore) Release(context.Context, string, string) error {
	return resilience.MarkTransient(errors.New("dial tcp: connection refused"))
}
func (downStore) ForceRemove(context.Context, string) error {
	return resilience.MarkTransient(errors.New("dial tcp: connection refused"))
}

const me = "alice@studio"

func newDetector(t *testing.T, store lock.Store, v *fakeVCS) *conflict.Detector {
	t.Helper()
	return conflict.NewDetector(lock.NewManager(store, nil, nil), v, me, nil)
}

func TestCheckSafeWhenUnlockedAndConverged(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, lock.NewMemory(), &fakeVCS{hasRemote: true})

	res, err := d.CheckBeforePull(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Recommendation != conflict.Safe || res.HasConflicts {
		t.Fatalf("expected safe: %+v", res)
	}
}

func TestCheckSafeWhenIHoldTheLock(t *testing.T) {
	ctx := context.Background()
	store := lock.NewMemory()
	m := lock.NewManager(store, nil, nil)
	if _, err := m.Acquire(ctx, "album-a", me, "m-1", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	d := conflict.NewDetector(m, &fakeVCS{hasRemote: true, localAhead: 2}, me, nil)
	res, err := d.CheckBeforePush(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Recommendation != conflict.Safe {
		t.Fatalf("own lock plus fast-forward push must be safe: %+v", res)
	}
	if res.LocalAhead != 2 || res.RemoteAhead != 0 {
		t.Fatalf("divergence numbers: %+v", res)
	}
}

func TestCheckLockedByOther(t *testing.T) {
	ctx := context.Background()
	store := lock.NewMemory()
	m := lock.NewManager(store, nil, nil)
	if _, err := m.Acquire(ctx, "album-a", "bob@laptop", "m-2", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	d := conflict.NewDetector(m, &fakeVCS{hasRemote: true}, me, nil)

	for _, dir := range []string{"pull", "push"} {
		var res conflict.Result
		var err error
		if dir == "pull" {
			res, err = d.CheckBeforePull(ctx, "album-a", "main")
		} else {
			res, err = d.CheckBeforePush(ctx, "album-a", "main")
		}
		if err != nil {
			t.Fatalf("%s check: %v", dir, err)
		}
		if !res.LockedByOther || res.LockOwner != "bob@laptop" {
			t.Fatalf("%s: holder not reported: %+v", dir, res)
		}
		if res.Recommendation != conflict.AcquireLock {
			t.Fatalf("%s: want acquire-lock, got %s", dir, res.Recommendation)
		}
	}
}

func TestCheckDivergedBothSides(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, lock.NewMemory(), &fakeVCS{hasRemote: true, localAhead: 2, remoteAhead: 3})

	res, err := d.CheckBeforePush(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.HasConflicts {
		t.Fatalf("both sides ahead is a conflict: %+v", res)
	}
	if res.Recommendation != conflict.ManualMergeRequired {
		t.Fatalf("want manual-merge-required, got %s", res.Recommendation)
	}
	if res.LocalAhead != 2 || res.RemoteAhead != 3 {
		t.Fatalf("counts: %+v", res)
	}
}

func TestCheckRemoteOnlyAheadIsSafePull(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, lock.NewMemory(), &fakeVCS{hasRemote: true, remoteAhead: 4})

	res, err := d.CheckBeforePull(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Recommendation != conflict.Safe || res.HasConflicts {
		t.Fatalf("fast-forward pull must be safe: %+v", res)
	}
}

func TestCheckNoRemoteIsSafe(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, lock.NewMemory(), &fakeVCS{hasRemote: false})

	res, err := d.CheckBeforePush(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Recommendation != conflict.Safe {
		t.Fatalf("no remote means nothing to conflict with: %+v", res)
	}
}

func TestCheckDegradesWhenLockBackendUnreachable(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, downStore{}, &fakeVCS{hasRemote: true})

	res, err := d.CheckBeforePull(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("transient backend failure must not hard-error: %v", err)
	}
	if res.Recommendation != conflict.CheckNetwork {
		t.Fatalf("want check-network, got %s", res.Recommendation)
	}
	if res.HasConflicts {
		t.Fatalf("unverifiable state must not claim conflicts")
	}
}

func TestCheckDegradesWhenFetchFails(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, lock.NewMemory(), &fakeVCS{
		hasRemote:  true,
		divergeErr: resilience.MarkTransient(errors.New("could not resolve host")),
	})

	res, err := d.CheckBeforePush(ctx, "album-a", "main")
	if err != nil {
		t.Fatalf("transient fetch failure must not hard-error: %v", err)
	}
	if res.Recommendation != conflict.CheckNetwork {
		t.Fatalf("want check-network, got %s", res.Recommendation)
	}
}

func TestCheckPermanentVCSFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	d := newDetector(t, lock.NewMemory(), &fakeVCS{
		hasRemote:  true,
		divergeErr: errors.New("not a git repository"),
	})

	if _, err := d.CheckBeforePush(ctx, "album-a", "main"); err == nil {
		t.Fatalf("permanent failures must surface")
	}
}
