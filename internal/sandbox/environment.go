package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ScratchMode selects how the read-only rootfs template is materialized
// into the per-request scratch area.
type ScratchMode string

const (
	// ScratchCopy copies the template into the scratch directory. Works
	// unprivileged; used in tests and on degraded hosts.
	ScratchCopy ScratchMode = "copy"
	// ScratchOverlay mounts an overlayfs with the template as the
	// read-only lower layer and a writable upper layer.
	ScratchOverlay ScratchMode = "overlay"
)

// BuilderConfig carries the host-interface paths the builder needs. The
// cgroup parent scope and the subordinate ID range pre-exist; deployment
// tooling owns them.
type BuilderConfig struct {
	CgroupParent     string
	TemplateDir      string
	WorkRoot         string
	Mode             ScratchMode
	TeardownRetries  int
	TeardownInterval time.Duration
}

// Builder constructs isolation environments: a fresh cgroup leaf, a
// subordinate UID/GID pair and a scratch filesystem view.
type Builder struct {
	cfg   BuilderConfig
	alloc *IDAllocator
}

func NewBuilder(cfg BuilderConfig, alloc *IDAllocator) (*Builder, error) {
	if alloc == nil {
		return nil, fmt.Errorf("id allocator is required")
	}
	if cfg.CgroupParent == "" {
		return nil, fmt.Errorf("cgroup parent is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ScratchCopy
	}
	if cfg.Mode != ScratchCopy && cfg.Mode != ScratchOverlay {
		return nil, fmt.Errorf("unknown scratch mode %q", cfg.Mode)
	}
	if cfg.TeardownRetries <= 0 {
		cfg.TeardownRetries = 50
	}
	if cfg.TeardownInterval <= 0 {
		cfg.TeardownInterval = 20 * time.Millisecond
	}
	return &Builder{cfg: cfg, alloc: alloc}, nil
}

// Environment owns one request's isolation resources. Exactly one
// request owns an environment at a time; environments are never shared
// or pooled across requests.
type Environment struct {
	RequestID string
	IDs       IDPair
	Scratch   string // directory the stages run in

	cg      *Cgroup
	alloc   *IDAllocator
	root    string // task-<id> directory holding scratch layers
	mounted bool

	retries  int
	interval time.Duration

	mu   sync.Mutex
	done bool
}

// Build allocates every resource an execution needs, releasing partial
// allocations on any failure so an aborted build leaks nothing.
func (b *Builder) Build(ctx context.Context, requestID string, limits ResourceLimits) (*Environment, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	pair, err := b.alloc.Acquire()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			b.alloc.Release(pair)
		}
	}()

	cg, err := CreateLeaf(b.cfg.CgroupParent, requestID)
	if err != nil {
		return nil, &EnvironmentError{RequestID: requestID, Op: "create_cgroup", Err: err}
	}
	defer func() {
		if !ok {
			_ = cg.Remove()
		}
	}()

	if err := cg.ApplyLimits(limits); err != nil {
		return nil, &EnvironmentError{RequestID: requestID, Op: "apply_limits", Err: err}
	}

	root := filepath.Join(b.cfg.WorkRoot, "task-"+requestID)
	scratch, mounted, err := b.materializeScratch(root, pair)
	if err != nil {
		_ = os.RemoveAll(root)
		return nil, &EnvironmentError{RequestID: requestID, Op: "materialize_scratch", Err: err}
	}

	ok = true
	env := &Environment{
		RequestID: requestID,
		IDs:       pair,
		Scratch:   scratch,
		cg:        cg,
		alloc:     b.alloc,
		root:      root,
		mounted:   mounted,
		retries:   b.cfg.TeardownRetries,
		interval:  b.cfg.TeardownInterval,
	}
	log.Debug().
		Str("request_id", requestID).
		Str("cgroup", cg.Path()).
		Uint32("uid", pair.UID).
		Uint32("gid", pair.GID).
		Str("scratch", scratch).
		Msg("environment built")
	return env, nil
}

func (b *Builder) materializeScratch(root string, pair IDPair) (scratch string, mounted bool, err error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", false, err
	}
	switch b.cfg.Mode {
	case ScratchOverlay:
		upper := filepath.Join(root, "upper")
		work := filepath.Join(root, "work")
		merged := filepath.Join(root, "merged")
		for _, dir := range []string{upper, work, merged} {
			if err := os.Mkdir(dir, 0o750); err != nil {
				return "", false, err
			}
		}
		if err := mountOverlay(b.cfg.TemplateDir, upper, work, merged); err != nil {
			return "", false, fmt.Errorf("overlay mount: %w", err)
		}
		chownScratch(upper, merged, pair)
		return merged, true, nil
	default:
		scratch := filepath.Join(root, "scratch")
		if err := os.Mkdir(scratch, 0o750); err != nil {
			return "", false, err
		}
		if b.cfg.TemplateDir != "" {
			if err := copyTree(b.cfg.TemplateDir, scratch); err != nil {
				return "", false, fmt.Errorf("copy template: %w", err)
			}
		}
		chownScratch(scratch, "", pair)
		return scratch, false, nil
	}
}

// Cgroup exposes the leaf for accounting reads.
func (e *Environment) Cgroup() *Cgroup {
	return e.cg
}

// Kill force-terminates every process in the environment's cgroup.
// Wall-time breaches, external cancellation and teardown escalation all
// converge here.
func (e *Environment) Kill() error {
	return e.cg.Kill()
}

// Teardown releases the cgroup leaf, the scratch filesystem and the
// UID/GID pair. Idempotent: the second call is a no-op. The leaf is
// removed only once zero processes remain; stray survivors are killed
// again and re-polled rather than leaked, and a persistent survivor is
// ErrTeardownTimeout with nothing released.
func (e *Environment) Teardown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}

	if err := e.cg.Kill(); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("request_id", e.RequestID).Err(err).Msg("cgroup kill failed")
	}
	if !e.drainProcs(ctx) {
		// Escalate: one more kill, one more drain.
		_ = e.cg.Kill()
		if !e.drainProcs(ctx) {
			return &EnvironmentError{RequestID: e.RequestID, Op: "teardown", Err: ErrTeardownTimeout}
		}
	}

	if e.mounted {
		if err := unmountScratch(e.Scratch); err != nil {
			log.Warn().Str("request_id", e.RequestID).Err(err).Msg("scratch unmount failed")
		}
		e.mounted = false
	}
	if err := os.RemoveAll(e.root); err != nil {
		log.Warn().Str("request_id", e.RequestID).Err(err).Msg("scratch removal failed")
	}
	if err := e.cg.Remove(); err != nil {
		return &EnvironmentError{RequestID: e.RequestID, Op: "remove_cgroup", Err: err}
	}

	e.alloc.Release(e.IDs)
	e.done = true
	log.Debug().Str("request_id", e.RequestID).Msg("environment torn down")
	return nil
}

// drainProcs polls cgroup.procs until empty, bounded by the configured
// retry budget. A vanished leaf counts as drained.
func (e *Environment) drainProcs(ctx context.Context) bool {
	for i := 0; i < e.retries; i++ {
		pids, err := e.cg.Procs()
		if err != nil || len(pids) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.interval):
		}
	}
	pids, err := e.cg.Procs()
	return err != nil || len(pids) == 0
}

// chownScratch hands the writable layer to the subordinate pair. Best
// effort: on hosts without CAP_CHOWN the namespace mapping still keeps
// the program inside scratch.
func chownScratch(dir, extra string, pair IDPair) {
	for _, d := range []string{dir, extra} {
		if d == "" {
			continue
		}
		if err := os.Chown(d, int(pair.UID), int(pair.GID)); err != nil {
			log.Debug().Str("dir", d).Err(err).Msg("scratch chown skipped")
		}
	}
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil // sockets, devices and symlinks stay out of scratch
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
