package sandbox

import (
	"fmt"
	"time"
)

// StageKind identifies one ordered phase of the pipeline. Cleanup is not
// a request stage: the pipeline always enters it on its own.
type StageKind string

const (
	StagePrepare StageKind = "prepare"
	StageCompile StageKind = "compile"
	StageRun     StageKind = "run"
	StageVerify  StageKind = "verify"
)

// StageSpec describes one stage to execute inside the environment. The
// command runs relative to the scratch directory with the environment's
// namespace mapping; it never sees the host filesystem outside scratch.
type StageSpec struct {
	Kind    StageKind `json:"kind"`
	Command []string  `json:"command"`
	Env     []string  `json:"env,omitempty"`
	Stdin   string    `json:"stdin,omitempty"` // scratch-relative file fed to stdin
}

// ExecutionRequest is one unit of work pulled from the queue. Immutable
// once accepted; owned by a single worker for the duration of one run.
type ExecutionRequest struct {
	ID         string         `json:"id"`
	Stages     []StageSpec    `json:"stages"`
	Limits     ResourceLimits `json:"limits"`
	Files      map[string]string `json:"files,omitempty"` // scratch-relative path -> content
	ReceivedAt time.Time      `json:"received_at"`
}

// Validate checks structural soundness before any resources are built.
func (r *ExecutionRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidRequest)
	}
	if len(r.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidRequest)
	}
	seen := make(map[StageKind]bool, len(r.Stages))
	for i, st := range r.Stages {
		switch st.Kind {
		case StagePrepare, StageCompile, StageRun, StageVerify:
		default:
			return fmt.Errorf("%w: stage %d has unknown kind %q", ErrInvalidRequest, i, st.Kind)
		}
		if seen[st.Kind] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidRequest, st.Kind)
		}
		seen[st.Kind] = true
		if len(st.Command) == 0 {
			return fmt.Errorf("%w: stage %q has no command", ErrInvalidRequest, st.Kind)
		}
	}
	if !seen[StageRun] {
		return fmt.Errorf("%w: missing run stage", ErrInvalidRequest)
	}
	return r.Limits.Validate()
}

// StageResult captures the raw outcome of one executed stage. Produced
// once, immutable after creation.
type StageResult struct {
	Stage      StageKind     `json:"stage"`
	ExitCode   int           `json:"exit_code"`
	Signal     int           `json:"signal,omitempty"` // non-zero when terminated by signal
	Duration   time.Duration `json:"duration"`
	PeakMemory int64         `json:"peak_memory_bytes"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Truncated  bool          `json:"truncated"`
}

// Failed reports whether the stage ended abnormally.
func (sr StageResult) Failed() bool {
	return sr.ExitCode != 0 || sr.Signal != 0
}
