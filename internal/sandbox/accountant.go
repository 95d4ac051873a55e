package sandbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitKind names the limit a run breached, if any.
type LimitKind string

const (
	LimitNone      LimitKind = ""
	LimitCPU       LimitKind = "cpu"
	LimitWall      LimitKind = "wall"
	LimitMemory    LimitKind = "memory"
	LimitOutput    LimitKind = "output"
	LimitProcesses LimitKind = "pids"
)

// Usage is a point-in-time accounting sample.
type Usage struct {
	CPUTime    time.Duration `json:"cpu_time"`
	MemoryPeak int64         `json:"memory_peak_bytes"`
	WallTime   time.Duration `json:"wall_time"`
}

// Accounting watches one environment for the duration of a request.
//
// Memory and process-count limits are kernel-enforced; the accountant
// only confirms them post-hoc from cgroup event counters. Wall time has
// no kernel enforcement, so it is watched on a timer independent of the
// child: when it fires, every process in the cgroup is killed, not just
// the direct child, so orphaned descendants cannot keep running.
type Accounting struct {
	env    *Environment
	limits ResourceLimits
	start  time.Time

	mu     sync.Mutex
	breach LimitKind

	stop     chan struct{}
	stopOnce sync.Once
}

// Watch starts accounting for env under limits.
func Watch(env *Environment, limits ResourceLimits) *Accounting {
	a := &Accounting{
		env:    env,
		limits: limits,
		start:  time.Now(),
		stop:   make(chan struct{}),
	}
	if limits.WallTime > 0 {
		go a.wallWatcher()
	}
	return a
}

func (a *Accounting) wallWatcher() {
	timer := time.NewTimer(a.limits.WallTime)
	defer timer.Stop()
	select {
	case <-a.stop:
	case <-timer.C:
		a.setBreach(LimitWall)
		if err := a.env.Kill(); err != nil {
			log.Warn().Str("request_id", a.env.RequestID).Err(err).Msg("wall-time kill failed")
		}
	}
}

// Poll samples the cgroup counters.
func (a *Accounting) Poll() Usage {
	u := Usage{WallTime: time.Since(a.start)}
	if cpu, err := a.env.Cgroup().CPUUsage(); err == nil {
		u.CPUTime = cpu
	}
	if peak, err := a.env.Cgroup().MemoryPeak(); err == nil {
		u.MemoryPeak = peak
	}
	return u
}

// NoteOutput records the total bytes a stage wrote; past the descriptor
// ceiling it counts as an output breach.
func (a *Accounting) NoteOutput(total int64) {
	if a.limits.MaxOutputSize > 0 && total > a.limits.MaxOutputSize {
		a.setBreach(LimitOutput)
	}
}

// Breached returns the first limit breach observed, confirming
// kernel-enforced breaches from the cgroup's own event counters. The
// first breach wins: resource exhaustion is reported as the cause even
// when the process also died with a program-level error.
func (a *Accounting) Breached() LimitKind {
	a.mu.Lock()
	if a.breach != LimitNone {
		defer a.mu.Unlock()
		return a.breach
	}
	a.mu.Unlock()

	cg := a.env.Cgroup()
	if cg.OOMKilled() {
		a.setBreach(LimitMemory)
		return LimitMemory
	}
	if a.limits.CPUTime > 0 {
		if cpu, err := cg.CPUUsage(); err == nil && cpu > a.limits.CPUTime {
			a.setBreach(LimitCPU)
			return LimitCPU
		}
	}
	if cg.PidsExhausted() {
		a.setBreach(LimitProcesses)
		return LimitProcesses
	}
	return LimitNone
}

// Cancel honors an external cancellation through the same forced
// whole-cgroup termination path as a wall-time breach, so no partial
// cleanup state can exist.
func (a *Accounting) Cancel() {
	if err := a.env.Kill(); err != nil {
		log.Warn().Str("request_id", a.env.RequestID).Err(err).Msg("cancel kill failed")
	}
}

// RecordBreach merges a breach observed elsewhere (e.g. a dedicated
// compile environment) into this accounting. First breach still wins.
func (a *Accounting) RecordBreach(kind LimitKind) {
	if kind != LimitNone {
		a.setBreach(kind)
	}
}

// Stop ends the wall-time watcher. Idempotent.
func (a *Accounting) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Accounting) setBreach(kind LimitKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.breach == LimitNone {
		a.breach = kind
	}
}
