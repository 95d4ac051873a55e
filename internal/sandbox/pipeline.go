package sandbox

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// State is one node of the pipeline state machine.
type State string

const (
	StatePreparing  State = "preparing"
	StateCompiling  State = "compiling"
	StateRunning    State = "running"
	StateVerifying  State = "verifying"
	StateCleaningUp State = "cleaning_up"
	StateDone       State = "done"
)

// StageExecutor runs one stage inside an environment. Implementations
// must never grant the stage privilege beyond the environment's
// namespace mapping.
type StageExecutor interface {
	ExecStage(ctx context.Context, env *Environment, stage StageSpec, limits ResourceLimits, acct *Accounting) (StageResult, error)
}

// PipelineResult carries everything the verdict evaluator needs.
type PipelineResult struct {
	Stages []StageResult
	// InfraErr is set when the engine itself failed mid-pipeline; the
	// stage results up to that point remain valid.
	InfraErr error
}

// Truncated reports whether any stage capture was cut at the ceiling.
func (pr PipelineResult) Truncated() bool {
	for _, res := range pr.Stages {
		if res.Truncated {
			return true
		}
	}
	return false
}

// Pipeline drives the ordered stages of one request through the state
// machine {Preparing, Compiling, Running, Verifying, CleaningUp, Done}.
// A stage failure short-circuits everything except CleaningUp, and Done
// is reached exactly once on every path.
type Pipeline struct {
	exec StageExecutor

	// onTransition observes state changes; nil outside tests/metrics.
	onTransition func(State)
}

func NewPipeline(exec StageExecutor) *Pipeline {
	return &Pipeline{exec: exec}
}

// OnTransition registers a state observer.
func (p *Pipeline) OnTransition(fn func(State)) {
	p.onTransition = fn
}

var stageStates = map[StageKind]State{
	StagePrepare: StatePreparing,
	StageCompile: StateCompiling,
	StageRun:     StateRunning,
	StageVerify:  StateVerifying,
}

// Run executes req's stages inside env. It never panics outward and
// never returns before passing through CleaningUp and Done.
func (p *Pipeline) Run(ctx context.Context, env *Environment, req *ExecutionRequest, acct *Accounting) PipelineResult {
	var out PipelineResult
	logger := log.With().Str("request_id", req.ID).Logger()

	p.transition(StatePreparing)
	if err := writeInputs(env, req.Files); err != nil {
		out.InfraErr = &EnvironmentError{RequestID: req.ID, Op: "write_inputs", Err: err}
	}

	for _, stage := range req.Stages {
		if out.InfraErr != nil {
			break
		}
		p.transition(stageStates[stage.Kind])

		res, err := p.exec.ExecStage(ctx, env, stage, req.Limits, acct)
		if err != nil {
			logger.Error().Str("stage", string(stage.Kind)).Err(err).Msg("stage execution failed")
			out.InfraErr = err
			break
		}
		out.Stages = append(out.Stages, res)

		if breach := acct.Breached(); breach != LimitNone {
			logger.Info().
				Str("stage", string(stage.Kind)).
				Str("limit", string(breach)).
				Msg("limit breached, short-circuiting")
			break
		}
		if res.Failed() {
			logger.Info().
				Str("stage", string(stage.Kind)).
				Int("exit_code", res.ExitCode).
				Int("signal", res.Signal).
				Msg("stage failed, short-circuiting")
			break
		}
	}

	// CleaningUp always runs, whatever failed above.
	p.transition(StateCleaningUp)
	acct.Stop()

	p.transition(StateDone)
	return out
}

func (p *Pipeline) transition(s State) {
	if p.onTransition != nil {
		p.onTransition(s)
	}
}

// writeInputs materializes the request payload inside scratch before any
// stage runs. Paths are confined to the scratch directory.
func writeInputs(env *Environment, files map[string]string) error {
	for name, content := range files {
		target := filepath.Join(env.Scratch, filepath.Clean("/"+name))
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(content), 0o640); err != nil {
			return err
		}
	}
	return nil
}
