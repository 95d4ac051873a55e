package sandbox

import (
	"context"

	"github.com/rs/zerolog/log"
)

// CompileIsolator runs the compile stage in its own environment, torn
// down before the run stage starts. Whether compile and run share one
// environment is a deployment choice (a trusted compiler may rate a
// different blast radius than untrusted execution); this wrapper is the
// "separate" flavor, transparent to the pipeline.
type CompileIsolator struct {
	builder *Builder
	inner   StageExecutor
}

func NewCompileIsolator(builder *Builder, inner StageExecutor) *CompileIsolator {
	return &CompileIsolator{builder: builder, inner: inner}
}

func (ci *CompileIsolator) ExecStage(ctx context.Context, env *Environment, stage StageSpec, limits ResourceLimits, acct *Accounting) (StageResult, error) {
	if stage.Kind != StageCompile {
		return ci.inner.ExecStage(ctx, env, stage, limits, acct)
	}

	cenv, err := ci.builder.Build(ctx, env.RequestID+"-compile", limits)
	if err != nil {
		return StageResult{}, err
	}
	defer func() {
		if err := cenv.Teardown(context.WithoutCancel(ctx)); err != nil {
			log.Error().Str("request_id", env.RequestID).Err(err).Msg("compile environment teardown failed")
		}
	}()

	// Sources were materialized into the primary scratch; the compiler
	// sees a copy and the primary only receives artifacts on success.
	if err := copyTree(env.Scratch, cenv.Scratch); err != nil {
		return StageResult{}, &EnvironmentError{RequestID: env.RequestID, Op: "stage_compile_sources", Err: err}
	}

	cacct := Watch(cenv, limits)
	defer cacct.Stop()

	res, err := ci.inner.ExecStage(ctx, cenv, stage, limits, cacct)
	if breach := cacct.Breached(); breach != LimitNone {
		acct.RecordBreach(breach)
	}
	if err != nil || res.Failed() {
		return res, err
	}
	if err := copyTree(cenv.Scratch, env.Scratch); err != nil {
		return StageResult{}, &EnvironmentError{RequestID: env.RequestID, Op: "collect_artifacts", Err: err}
	}
	return res, nil
}

var _ StageExecutor = (*CompileIsolator)(nil)
