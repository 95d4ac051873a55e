package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// leafPrefix names every cgroup leaf this engine owns. The startup sweep
// relies on it to tell our leaves from unrelated siblings.
const leafPrefix = "invoker-"

// Cgroup is one v2 leaf under the configured parent scope. The leaf is
// created fresh for exactly one execution and removed on teardown; it is
// never reused.
type Cgroup struct {
	path string
}

// CreateLeaf makes a new leaf under parent. The parent scope must
// pre-exist (deployment tooling creates it); a missing parent or an
// already-present leaf is ErrCgroupCreate.
func CreateLeaf(parent, requestID string) (*Cgroup, error) {
	if parent == "" {
		return nil, fmt.Errorf("%w: parent scope is empty", ErrCgroupCreate)
	}
	if _, err := os.Stat(parent); err != nil {
		return nil, fmt.Errorf("%w: parent scope %s: %v", ErrCgroupCreate, parent, err)
	}
	path := filepath.Join(parent, leafPrefix+requestID)
	if err := os.Mkdir(path, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: leaf %s already exists", ErrCgroupCreate, path)
		}
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrCgroupCreate, path, err)
	}
	return &Cgroup{path: path}, nil
}

// EnableControllers delegates the cpu, memory and pids controllers to
// the parent's children. Called once at startup, not per leaf.
func EnableControllers(parent string) error {
	ctrlPath := filepath.Join(parent, "cgroup.controllers")
	data, err := os.ReadFile(ctrlPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", ctrlPath, err)
	}
	var sb strings.Builder
	for _, ctrl := range strings.Fields(string(data)) {
		sb.WriteString(" +")
		sb.WriteString(ctrl)
	}
	subtree := filepath.Join(parent, "cgroup.subtree_control")
	if err := os.WriteFile(subtree, []byte(sb.String()), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", subtree, err)
	}
	return nil
}

func (c *Cgroup) Path() string {
	return c.path
}

// ApplyLimits writes the descriptor into the leaf's controller files. An
// unavailable controller is ErrLimitApply: an unenforced limit is a
// security regression and must surface, not degrade silently.
func (c *Cgroup) ApplyLimits(limits ResourceLimits) error {
	pidsMax := "max"
	if limits.MaxProcesses > 0 {
		pidsMax = strconv.FormatInt(limits.MaxProcesses, 10)
	}
	if err := c.write("pids.max", pidsMax); err != nil {
		return fmt.Errorf("%w: pids controller: %v", ErrLimitApply, err)
	}
	memMax := "max"
	if !limits.UnlimitedMemory() {
		memMax = strconv.FormatInt(limits.Memory, 10)
	}
	if err := c.write("memory.max", memMax); err != nil {
		return fmt.Errorf("%w: memory controller: %v", ErrLimitApply, err)
	}
	// No swap escape hatch past the memory ceiling.
	if err := c.write("memory.swap.max", "0"); err != nil {
		return fmt.Errorf("%w: memory controller (swap): %v", ErrLimitApply, err)
	}
	cpuMax := "max 100000"
	if limits.CPUTime > 0 {
		// Full-core quota; CPU *time* is accounted, not throttled, so a
		// breach is detected from cpu.stat rather than enforced here.
		cpuMax = "100000 100000"
	}
	if err := c.write("cpu.max", cpuMax); err != nil {
		return fmt.Errorf("%w: cpu controller: %v", ErrLimitApply, err)
	}
	return nil
}

// AddProcess moves pid into the leaf.
func (c *Cgroup) AddProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// Kill terminates every process in the leaf, descendants included. This
// is the one termination path: wall-time breach, external cancellation
// and teardown all go through it so no partial cleanup state exists.
func (c *Cgroup) Kill() error {
	killPath := filepath.Join(c.path, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0o600)
}

// Procs returns the pids currently resident in the leaf.
func (c *Cgroup) Procs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// CPUUsage reads accumulated cpu time from cpu.stat.
func (c *Cgroup) CPUUsage() (time.Duration, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usec, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return time.Duration(usec) * time.Microsecond, nil
		}
	}
	return 0, fmt.Errorf("usage_usec not found in cpu.stat")
}

// MemoryPeak reads the high-water memory mark in bytes.
func (c *Cgroup) MemoryPeak() (int64, error) {
	return c.readInt("memory.peak")
}

// OOMKilled reports whether the kernel's OOM killer fired in this leaf.
// Memory breaches are kernel-enforced; the engine only confirms them
// post-hoc from this counter and the exit signal.
func (c *Cgroup) OOMKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// PidsExhausted reports whether fork was refused by the pids controller.
func (c *Cgroup) PidsExhausted() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "pids.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "max" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// Remove deletes the leaf. It must be empty; callers kill and drain
// through Teardown first.
func (c *Cgroup) Remove() error {
	err := os.Remove(c.path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Cgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640)
}

func (c *Cgroup) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
