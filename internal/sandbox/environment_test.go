package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testBuilder wires a builder against temp directories: the cgroup
// layer is file I/O, so a plain directory tree stands in for the real
// hierarchy, and copy mode needs no mount privileges.
func testBuilder(t *testing.T, count int) (*Builder, *IDAllocator, string) {
	t.Helper()
	parent := t.TempDir()
	work := t.TempDir()
	template := t.TempDir()
	if err := os.WriteFile(filepath.Join(template, "hello.txt"), []byte("hi"), 0o640); err != nil {
		t.Fatalf("seeding template: %v", err)
	}

	alloc, err := NewIDAllocator(100000, 100000, count)
	if err != nil {
		t.Fatalf("NewIDAllocator: %v", err)
	}
	b, err := NewBuilder(BuilderConfig{
		CgroupParent:     parent,
		TemplateDir:      template,
		WorkRoot:         work,
		Mode:             ScratchCopy,
		TeardownRetries:  3,
		TeardownInterval: time.Millisecond,
	}, alloc)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b, alloc, parent
}

// clearLeaf removes the controller files inside a fake leaf. Real
// cgroupfs removes a populated leaf with a single rmdir; a plain
// directory needs its files cleared first.
func clearLeaf(t *testing.T, env *Environment) {
	t.Helper()
	entries, err := os.ReadDir(env.Cgroup().Path())
	if err != nil {
		return
	}
	for _, e := range entries {
		os.Remove(filepath.Join(env.Cgroup().Path(), e.Name()))
	}
}

func TestBuild(t *testing.T) {
	b, alloc, parent := testBuilder(t, 4)

	env, err := b.Build(context.Background(), "req1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if env.RequestID != "req1" {
		t.Errorf("RequestID = %q", env.RequestID)
	}
	if env.IDs.UID == 0 || env.IDs.GID == 0 {
		t.Error("subordinate pair must never include 0")
	}
	if alloc.Available() != 3 {
		t.Errorf("Available = %d, want 3 after one build", alloc.Available())
	}
	if _, err := os.Stat(filepath.Join(parent, "invoker-req1", "pids.max")); err != nil {
		t.Errorf("limits not applied to leaf: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(env.Scratch, "hello.txt")); err != nil || string(data) != "hi" {
		t.Errorf("template not materialized: %v %q", err, data)
	}
}

func TestBuildRejectsBadLimits(t *testing.T) {
	b, alloc, _ := testBuilder(t, 2)
	limits := DefaultLimits()
	limits.Memory = 0

	if _, err := b.Build(context.Background(), "req1", limits); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("Build = %v, want ErrInvalidLimits", err)
	}
	if alloc.Available() != 2 {
		t.Errorf("Available = %d, rejected build must not consume a pair", alloc.Available())
	}
}

func TestBuildExhaustionIsBackpressure(t *testing.T) {
	b, _, _ := testBuilder(t, 1)

	if _, err := b.Build(context.Background(), "req1", DefaultLimits()); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	_, err := b.Build(context.Background(), "req2", DefaultLimits())
	if !errors.Is(err, ErrNamespaceExhausted) {
		t.Fatalf("Build = %v, want ErrNamespaceExhausted", err)
	}
	if !IsBackpressure(err) {
		t.Error("exhaustion must classify as backpressure")
	}
}

func TestBuildReleasesPartialAllocations(t *testing.T) {
	b, alloc, _ := testBuilder(t, 2)

	if _, err := b.Build(context.Background(), "req1", DefaultLimits()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Same request ID collides on the cgroup leaf; the acquired ID pair
	// must come back.
	if _, err := b.Build(context.Background(), "req1", DefaultLimits()); !errors.Is(err, ErrCgroupCreate) {
		t.Fatalf("duplicate Build = %v, want ErrCgroupCreate", err)
	}
	if alloc.Available() != 1 {
		t.Errorf("Available = %d, want 1 (failed build must release its pair)", alloc.Available())
	}
}

func TestTeardown(t *testing.T) {
	b, alloc, parent := testBuilder(t, 2)
	env, err := b.Build(context.Background(), "req1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	root := filepath.Dir(env.Scratch)
	clearLeaf(t, env)

	if err := env.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "invoker-req1")); !os.IsNotExist(err) {
		t.Error("cgroup leaf must be removed")
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("scratch root must be removed")
	}
	if alloc.Available() != 2 {
		t.Errorf("Available = %d, want 2 after teardown", alloc.Available())
	}

	// Idempotent: the second call is a no-op, and the pair is not
	// released twice.
	if err := env.Teardown(context.Background()); err != nil {
		t.Errorf("second Teardown = %v, want nil", err)
	}
	if alloc.Available() != 2 {
		t.Errorf("Available = %d after double teardown, want 2", alloc.Available())
	}
}

func TestTeardownTimeoutReleasesNothing(t *testing.T) {
	b, alloc, _ := testBuilder(t, 2)
	env, err := b.Build(context.Background(), "req1", DefaultLimits())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// A resident pid that never drains: teardown must escalate, give up
	// and keep every resource held for the next sweep.
	if err := os.WriteFile(filepath.Join(env.Cgroup().Path(), "cgroup.procs"), []byte("4242\n"), 0o640); err != nil {
		t.Fatalf("seeding procs: %v", err)
	}

	err = env.Teardown(context.Background())
	if !errors.Is(err, ErrTeardownTimeout) {
		t.Fatalf("Teardown = %v, want ErrTeardownTimeout", err)
	}
	if alloc.Available() != 1 {
		t.Errorf("Available = %d, a timed-out teardown must not release the pair", alloc.Available())
	}

	// The environment is still tearable once the survivor is gone.
	if err := os.WriteFile(filepath.Join(env.Cgroup().Path(), "cgroup.procs"), nil, 0o640); err != nil {
		t.Fatalf("clearing procs: %v", err)
	}
	clearLeaf(t, env)
	if err := env.Teardown(context.Background()); err != nil {
		t.Fatalf("retry Teardown: %v", err)
	}
	if alloc.Available() != 2 {
		t.Errorf("Available = %d after successful retry, want 2", alloc.Available())
	}
}

func TestBuilderConfigValidation(t *testing.T) {
	alloc, _ := NewIDAllocator(100000, 100000, 1)

	if _, err := NewBuilder(BuilderConfig{WorkRoot: "/tmp/x", CgroupParent: "/tmp/y"}, nil); err == nil {
		t.Error("nil allocator must be rejected")
	}
	if _, err := NewBuilder(BuilderConfig{WorkRoot: "/tmp/x"}, alloc); err == nil {
		t.Error("missing cgroup parent must be rejected")
	}
	if _, err := NewBuilder(BuilderConfig{CgroupParent: "/tmp/y"}, alloc); err == nil {
		t.Error("missing work root must be rejected")
	}
	if _, err := NewBuilder(BuilderConfig{CgroupParent: "/tmp/y", WorkRoot: "/tmp/x", Mode: "tmpfs"}, alloc); err == nil {
		t.Error("unknown scratch mode must be rejected")
	}
}
