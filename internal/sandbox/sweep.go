package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepOrphans enumerates and force-tears-down cgroup leaves and scratch
// roots left behind by a crashed prior run. It must complete before the
// coordinator accepts new work: a stale leaf keeps a subordinate ID pair
// and a slice of the parent's budget pinned.
func SweepOrphans(ctx context.Context, cgroupParent, workRoot string) (int, error) {
	entries, err := os.ReadDir(cgroupParent)
	if err != nil {
		return 0, err
	}

	var swept int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), leafPrefix) {
			continue
		}
		cg := &Cgroup{path: filepath.Join(cgroupParent, entry.Name())}
		logger := log.With().Str("cgroup", cg.Path()).Logger()
		logger.Info().Msg("sweeping orphaned cgroup leaf")

		if err := cg.Kill(); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("orphan kill failed")
		}
		if !waitEmpty(ctx, cg, 50, 20*time.Millisecond) {
			logger.Error().Msg("orphaned leaf still has residents, leaving for next sweep")
			continue
		}
		if err := cg.Remove(); err != nil {
			logger.Error().Err(err).Msg("orphan removal failed")
			continue
		}
		swept++
	}

	sweepScratch(workRoot)
	return swept, nil
}

// sweepScratch recreates the work root empty, as the original run would
// have left it.
func sweepScratch(workRoot string) {
	if workRoot == "" {
		return
	}
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Str("work_root", workRoot).Err(err).Msg("scratch sweep skipped")
		}
		_ = os.MkdirAll(workRoot, 0o750)
		return
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "task-") {
			continue
		}
		path := filepath.Join(workRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("stale scratch removal failed")
		} else {
			log.Info().Str("path", path).Msg("removed stale scratch dir")
		}
	}
}

func waitEmpty(ctx context.Context, cg *Cgroup, retries int, interval time.Duration) bool {
	for i := 0; i < retries; i++ {
		pids, err := cg.Procs()
		if err != nil || len(pids) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	pids, err := cg.Procs()
	return err != nil || len(pids) == 0
}
