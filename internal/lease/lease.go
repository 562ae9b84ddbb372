// Package lease persists the lock this working copy currently holds. The
// state lives in .mixlock/lease.json inside the working copy, so release,
// heartbeat, and the background agent all agree on which lock_id is ours.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	dirName  = ".mixlock"
	fileName = "lease.json"
)

// Lease mirrors the fields of an acquired lock that later operations need.
type Lease struct {
	Project   string    `json:"project"`
	LockID    string    `json:"lock_id"`
	Owner     string    `json:"owner"`
	MachineID string    `json:"machine_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func path(workdir string) string {
	return filepath.Join(workdir, dirName, fileName)
}

// Save writes the lease atomically.
func Save(workdir string, l Lease) error {
	dir := filepath.Join(workdir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lease dir: %w", err)
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path(workdir))
}

// Load returns the saved lease, or (nil, nil) when none exists.
func Load(workdir string) (*Lease, error) {
	data, err := os.ReadFile(path(workdir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("corrupt lease file %s: %w", path(workdir), err)
	}
	return &l, nil
}

// Clear removes the lease file. Missing is fine.
func Clear(workdir string) error {
	err := os.Remove(path(workdir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
