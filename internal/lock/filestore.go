package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File is a Store backed by one JSON lock file per project in a shared
// directory (Dropbox-style replicated folder or a network mount). All writes
// go through a temp file plus atomic rename, never in-place edits, so a
// cancelled writer leaves either the old record or the new one, nothing in
// between. Conditional operations are serialized across processes by a
// sidecar file created with O_CREATE|O_EXCL.
type File struct {
	dir string
}

const (
	fileGuardSuffix  = ".guard"
	fileGuardStale   = 10 * time.Second
	fileGuardRetry   = 20 * time.Millisecond
	fileGuardTimeout = 3 * time.Second
)

func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (s *File) path(project string) string {
	// Project keys may contain path separators; flatten them.
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(project)
	return filepath.Join(s.dir, name+".lock.json")
}

// guard serializes one conditional mutation. A guard file left behind by a
// crashed process is broken after fileGuardStale.
func (s *File) guard(ctx context.Context, project string) (release func(), err error) {
	gp := s.path(project) + fileGuardSuffix
	deadline := time.Now().Add(fileGuardTimeout)

	for {
		f, err := os.OpenFile(gp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(gp) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create guard: %w", err)
		}

		if fi, statErr := os.Stat(gp); statErr == nil && time.Since(fi.ModTime()) > fileGuardStale {
			_ = os.Remove(gp)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock file guard on %s", project)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fileGuardRetry):
		}
	}
}

func (s *File) read(project string) (*Lock, error) {
	b, err := os.ReadFile(s.path(project))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lk Lock
	if err := json.Unmarshal(b, &lk); err != nil {
		return nil, fmt.Errorf("corrupt lock file for %s: %w", project, err)
	}
	return &lk, nil
}

func (s *File) write(project string, lk *Lock) error {
	b, err := json.MarshalIndent(lk, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".mixlock-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(project))
}

func (s *File) Get(_ context.Context, project string) (*Lock, error) {
	return s.read(project)
}

func (s *File) Acquire(ctx context.Context, candidate *Lock) (*Lock, error) {
	release, err := s.guard(ctx, candidate.Project)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := s.read(candidate.Project)
	if err != nil {
		return nil, err
	}
	if cur != nil && !cur.ExpiredAt(candidate.AcquiredAt) && cur.Owner != candidate.Owner {
		return nil, &AlreadyLockedError{
			Project:   cur.Project,
			Owner:     cur.Owner,
			MachineID: cur.MachineID,
			ExpiresAt: cur.ExpiresAt,
		}
	}

	if err := s.write(candidate.Project, candidate); err != nil {
		return nil, err
	}
	out := *candidate
	return &out, nil
}

func (s *File) Heartbeat(ctx context.Context, project, lockID string, expiresAt, heartbeatAt time.Time) (*Lock, error) {
	release, err := s.guard(ctx, project)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := s.read(project)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNoLock
	}
	if cur.LockID != lockID {
		return nil, ErrLockIDMismatch
	}

	cur.ExpiresAt = expiresAt
	cur.LastHeartbeat = heartbeatAt
	if err := s.write(project, cur); err != nil {
		return nil, err
	}
	out := *cur
	return &out, nil
}

func (s *File) Release(ctx context.Context, project, lockID string) error {
	release, err := s.guard(ctx, project)
	if err != nil {
		return err
	}
	defer release()

	cur, err := s.read(project)
	if err != nil {
		return err
	}
	if cur == nil {
		return ErrNoLock
	}
	if cur.LockID != lockID {
		return ErrLockIDMismatch
	}
	if err := os.Remove(s.path(project)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *File) ForceRemove(ctx context.Context, project string) error {
	release, err := s.guard(ctx, project)
	if err != nil {
		return err
	}
	defer release()

	err = os.Remove(s.path(project))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoLock
	}
	return err
}
