package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and single-user setups where
// no coordination beyond the local machine is needed.
type Memory struct {
	mu    sync.Mutex
	locks map[string]Lock
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]Lock)}
}

func (s *Memory) Get(_ context.Context, project string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[project]
	if !ok {
		return nil, nil
	}
	out := lk
	return &out, nil
}

func (s *Memory) Acquire(_ context.Context, candidate *Lock) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[candidate.Project]
	if ok && !cur.ExpiredAt(candidate.AcquiredAt) && cur.Owner != candidate.Owner {
		return nil, &AlreadyLockedError{
			Project:   cur.Project,
			Owner:     cur.Owner,
			MachineID: cur.MachineID,
			ExpiresAt: cur.ExpiresAt,
		}
	}

	s.locks[candidate.Project] = *candidate
	out := *candidate
	return &out, nil
}

func (s *Memory) Heartbeat(_ context.Context, project, lockID string, expiresAt, heartbeatAt time.Time) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[project]
	if !ok {
		return nil, ErrNoLock
	}
	if cur.LockID != lockID {
		return nil, ErrLockIDMismatch
	}

	cur.ExpiresAt = expiresAt
	cur.LastHeartbeat = heartbeatAt
	s.locks[project] = cur
	out := cur
	return &out, nil
}

func (s *Memory) Release(_ context.Context, project, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[project]
	if !ok {
		return ErrNoLock
	}
	if cur.LockID != lockID {
		return ErrLockIDMismatch
	}
	delete(s.locks, project)
	return nil
}

func (s *Memory) ForceRemove(_ context.Context, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locks[project]; !ok {
		return ErrNoLock
	}
	delete(s.locks, project)
	return nil
}
