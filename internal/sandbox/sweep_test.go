package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSweepOrphans(t *testing.T) {
	parent := t.TempDir()
	work := t.TempDir()

	for _, leaf := range []string{"invoker-a", "invoker-b"} {
		if err := os.Mkdir(filepath.Join(parent, leaf), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", leaf, err)
		}
	}
	// Sibling leaves of other tenants are not ours to touch.
	if err := os.Mkdir(filepath.Join(parent, "system.slice"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for _, dir := range []string{"task-a", "task-b"} {
		if err := os.MkdirAll(filepath.Join(work, dir, "scratch"), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(work, "keep.txt"), []byte("x"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	swept, err := SweepOrphans(context.Background(), parent, work)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if swept != 2 {
		t.Errorf("swept = %d, want 2", swept)
	}

	for _, leaf := range []string{"invoker-a", "invoker-b"} {
		if _, err := os.Stat(filepath.Join(parent, leaf)); !os.IsNotExist(err) {
			t.Errorf("leaf %s must be removed", leaf)
		}
	}
	if _, err := os.Stat(filepath.Join(parent, "system.slice")); err != nil {
		t.Error("foreign sibling must survive the sweep")
	}
	for _, dir := range []string{"task-a", "task-b"} {
		if _, err := os.Stat(filepath.Join(work, dir)); !os.IsNotExist(err) {
			t.Errorf("scratch %s must be removed", dir)
		}
	}
	if _, err := os.Stat(filepath.Join(work, "keep.txt")); err != nil {
		t.Error("non-task entries must survive the sweep")
	}
}

func TestSweepLeavesResidentLeafForNextPass(t *testing.T) {
	parent := t.TempDir()
	leaf := filepath.Join(parent, "invoker-stuck")
	if err := os.Mkdir(leaf, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// A pid that never exits keeps the leaf alive; the sweep must skip
	// it rather than fail the whole pass.
	if err := os.WriteFile(filepath.Join(leaf, "cgroup.procs"), []byte("4242\n"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // keep waitEmpty from polling for a full second
	swept, err := SweepOrphans(ctx, parent, "")
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}
	if _, err := os.Stat(leaf); err != nil {
		t.Error("resident leaf must be left in place")
	}
}

func TestSweepMissingParent(t *testing.T) {
	if _, err := SweepOrphans(context.Background(), filepath.Join(t.TempDir(), "absent"), ""); err == nil {
		t.Error("missing parent must be reported")
	}
}
