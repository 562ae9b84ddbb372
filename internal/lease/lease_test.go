package lease_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mixlock/internal/lease"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	workdir := t.TempDir()
	in := lease.Lease{
		Project:   "bands/album-a",
		LockID:    "8f14e45f-ceea-4f5b-a6c0-1d6e3f2a9b01",
		Owner:     "alice@studio",
		MachineID: "m-1",
		ExpiresAt: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}
	if err := lease.Save(workdir, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := lease.Load(workdir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out == nil {
		t.Fatal("lease missing after save")
	}
	if *out != in {
		t.Fatalf("round trip: got %+v want %+v", *out, in)
	}
}

func TestLoadAbsentIsNotAnError(t *testing.T) {
	out, err := lease.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != nil {
		t.Fatalf("no file means no lease: %+v", out)
	}
}

func TestSaveOverwrites(t *testing.T) {
	workdir := t.TempDir()
	first := lease.Lease{Project: "album-a", LockID: "id-1", Owner: "alice@studio"}
	second := lease.Lease{Project: "album-a", LockID: "id-2", Owner: "alice@studio"}
	if err := lease.Save(workdir, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := lease.Save(workdir, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	out, err := lease.Load(workdir)
	if err != nil || out == nil {
		t.Fatalf("load: %+v err=%v", out, err)
	}
	if out.LockID != "id-2" {
		t.Fatalf("stale lease survived: %+v", out)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	workdir := t.TempDir()
	if err := lease.Clear(workdir); err != nil {
		t.Fatalf("clear with nothing saved: %v", err)
	}

	if err := lease.Save(workdir, lease.Lease{Project: "album-a", LockID: "id-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := lease.Clear(workdir); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := lease.Clear(workdir); err != nil {
		t.Fatalf("second clear: %v", err)
	}

	out, err := lease.Load(workdir)
	if err != nil || out != nil {
		t.Fatalf("lease survived clear: %+v err=%v", out, err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	workdir := t.TempDir()
	dir := filepath.Join(workdir, ".mixlock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lease.json"), []byte("{half a lea"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := lease.Load(workdir); err == nil {
		t.Fatal("corrupt lease must be reported")
	}
}
