package lock_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"mixlock/internal/lock"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := lock.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	now := time.Now()
	lk := &lock.Lock{
		LockID:        uuid.NewString(),
		Project:       "bands/album-a",
		Owner:         "alice@studio",
		MachineID:     "m-1",
		AcquiredAt:    now,
		ExpiresAt:     now.Add(time.Hour),
		LastHeartbeat: now,
	}
	if _, err := store.Acquire(ctx, lk); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got, err := store.Get(ctx, "bands/album-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.LockID != lk.LockID || got.Owner != lk.Owner {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Project keys with separators must not escape the directory.
	other, err := store.Get(ctx, "bands_album-a")
	if err != nil {
		t.Fatalf("get flattened: %v", err)
	}
	if other == nil {
		t.Fatalf("flattened key should map to the same file")
	}

	if err := store.Release(ctx, "bands/album-a", lk.LockID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err = store.Get(ctx, "bands/album-a")
	if err != nil || got != nil {
		t.Fatalf("expected empty after release, got %+v err=%v", got, err)
	}
}

func TestFileStoreConditionalOps(t *testing.T) {
	ctx := context.Background()
	store, err := lock.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	now := time.Now()
	alice := &lock.Lock{
		LockID: uuid.NewString(), Project: "p", Owner: "alice@studio",
		AcquiredAt: now, ExpiresAt: now.Add(time.Hour), LastHeartbeat: now,
	}
	if _, err := store.Acquire(ctx, alice); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}

	bob := &lock.Lock{
		LockID: uuid.NewString(), Project: "p", Owner: "bob@laptop",
		AcquiredAt: now, ExpiresAt: now.Add(time.Hour), LastHeartbeat: now,
	}
	if _, err := store.Acquire(ctx, bob); err == nil {
		t.Fatalf("bob must not steal a live lease")
	} else if _, ok := lock.IsAlreadyLocked(err); !ok {
		t.Fatalf("expected AlreadyLockedError, got %v", err)
	}

	// An expired lease as of the candidate's acquire time is takeable.
	later := now.Add(2 * time.Hour)
	bob2 := &lock.Lock{
		LockID: uuid.NewString(), Project: "p", Owner: "bob@laptop",
		AcquiredAt: later, ExpiresAt: later.Add(time.Hour), LastHeartbeat: later,
	}
	if _, err := store.Acquire(ctx, bob2); err != nil {
		t.Fatalf("takeover of expired lease: %v", err)
	}

	if _, err := store.Heartbeat(ctx, "p", alice.LockID, later.Add(time.Hour), later); err != lock.ErrLockIDMismatch {
		t.Fatalf("stale heartbeat: want ErrLockIDMismatch, got %v", err)
	}
	if err := store.Release(ctx, "p", alice.LockID); err != lock.ErrLockIDMismatch {
		t.Fatalf("stale release: want ErrLockIDMismatch, got %v", err)
	}

	if err := store.ForceRemove(ctx, "p"); err != nil {
		t.Fatalf("force remove: %v", err)
	}
	if err := store.ForceRemove(ctx, "p"); err != lock.ErrNoLock {
		t.Fatalf("force remove empty: want ErrNoLock, got %v", err)
	}
}

func TestFileStoreConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	store, err := lock.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	const contenders = 16
	var won int64

	start := make(chan struct{})
	wg := sync.WaitGroup{}
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		i := i
		go func() {
			defer wg.Done()
			<-start
			now := time.Now()
			lk := &lock.Lock{
				LockID:  uuid.NewString(),
				Project: "hot", Owner: fmt.Sprintf("c-%d@race", i),
				AcquiredAt: now, ExpiresAt: now.Add(time.Minute), LastHeartbeat: now,
			}
			if _, err := store.Acquire(ctx, lk); err == nil {
				atomic.AddInt64(&won, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if won != 1 {
		t.Fatalf("exactly one contender must win, got %d", won)
	}
}
