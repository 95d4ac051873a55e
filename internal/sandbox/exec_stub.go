//go:build !linux

package sandbox

import (
	"context"
	"fmt"
)

// ProcessExecutor requires cgroup v2 and user namespaces; both are
// Linux-only. The stub keeps non-Linux development builds compiling.
type ProcessExecutor struct {
	CaptureBytes int64
}

func NewProcessExecutor(captureBytes int64) *ProcessExecutor {
	return &ProcessExecutor{CaptureBytes: captureBytes}
}

func (x *ProcessExecutor) ExecStage(ctx context.Context, env *Environment, stage StageSpec, limits ResourceLimits, acct *Accounting) (StageResult, error) {
	return StageResult{}, fmt.Errorf("stage execution requires linux")
}

var _ StageExecutor = (*ProcessExecutor)(nil)
