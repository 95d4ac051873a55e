// Package invoker coordinates the engine: a bounded worker pool drains
// the request queue, each worker running exactly one request at a time
// through build, pipeline, verdict and teardown.
package invoker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-invoker/internal/monitor"
	"sandbox-invoker/internal/queue"
	"sandbox-invoker/internal/sandbox"
	"sandbox-invoker/internal/storage"
)

// ResultSink persists one row per completed request. Persistence is
// best-effort and asynchronous; the verdict on the queue is the source
// of truth.
type ResultSink interface {
	Write(rec *storage.ResultRecord)
}

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// Workers bounds concurrent executions. Each worker slot holds at
	// most one environment at a time.
	Workers int

	// PollInterval is the base delay after an empty dequeue; PollJitter
	// is added uniformly at random so workers do not poll in lockstep.
	PollInterval time.Duration
	PollJitter   time.Duration

	// LeasePing is how often a running request's queue claim is
	// extended, when the queue supports leases.
	LeasePing time.Duration

	// SeparateCompileEnv runs the compile stage in a dedicated
	// environment torn down before the run stage starts.
	SeparateCompileEnv bool
}

func (c *Config) withDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 800 * time.Millisecond
	}
	if c.PollJitter < 0 {
		c.PollJitter = 0
	}
	if c.LeasePing <= 0 {
		c.LeasePing = 15 * time.Second
	}
}

// Invoker owns the worker pool and the per-request lifecycle.
type Invoker struct {
	cfg     Config
	queue   queue.Queue
	builder *sandbox.Builder
	exec    sandbox.StageExecutor
	results ResultSink // nil disables persistence
	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	// running maps request ID to its accounting so an external
	// cancellation can reach the kill path of a live request.
	running sync.Map
}

func New(cfg Config, q queue.Queue, builder *sandbox.Builder, exec sandbox.StageExecutor, results ResultSink, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Invoker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("environment builder is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("stage executor is required")
	}
	if metrics == nil {
		metrics = monitor.NewMetrics()
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	cfg.withDefaults()
	if cfg.SeparateCompileEnv {
		exec = sandbox.NewCompileIsolator(builder, exec)
	}
	exec = &tracedExecutor{inner: exec, tracer: tracer}
	return &Invoker{
		cfg:     cfg,
		queue:   q,
		builder: builder,
		exec:    exec,
		results: results,
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight requests have finished. Every request it dequeues is
// resolved with exactly one Ack or Nack before its worker moves on.
func (inv *Invoker) Run(ctx context.Context) error {
	log.Info().Int("workers", inv.cfg.Workers).Msg("invoker starting")

	var wg sync.WaitGroup
	for i := 0; i < inv.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			inv.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()

	log.Info().Msg("invoker stopped")
	return nil
}

// Cancel force-terminates a running request. The request still resolves
// through the normal pipeline path: the kill surfaces as stage failure
// or breach, never as a hung worker. Unknown IDs report false.
func (inv *Invoker) Cancel(requestID string) bool {
	v, ok := inv.running.Load(requestID)
	if !ok {
		return false
	}
	v.(*sandbox.Accounting).Cancel()
	return true
}

func (inv *Invoker) workerLoop(ctx context.Context, worker int) {
	logger := log.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := inv.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("dequeue failed")
			inv.metrics.RecordInfraFailure("queue")
			inv.sleepBackoff(ctx)
			continue
		}
		if req == nil {
			inv.metrics.QueueEmptyPolls.Inc()
			inv.sleepBackoff(ctx)
			continue
		}

		inv.process(ctx, logger.With().Str("request_id", req.ID).Logger(), req)
	}
}

// sleepBackoff waits the poll interval plus jitter, returning early on
// shutdown.
func (inv *Invoker) sleepBackoff(ctx context.Context) {
	delay := inv.cfg.PollInterval
	if inv.cfg.PollJitter > 0 {
		delay += rand.N(inv.cfg.PollJitter)
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// process resolves one claimed request end to end. The environment is
// torn down on every path out, panics included, before the worker slot
// frees up.
func (inv *Invoker) process(ctx context.Context, logger zerolog.Logger, req *sandbox.ExecutionRequest) {
	start := time.Now()
	inv.metrics.ActiveWorkers.Inc()
	defer inv.metrics.ActiveWorkers.Dec()

	ctx, span := inv.tracer.StartSpan(ctx, "process", monitor.AttrRequestID.String(req.ID))
	defer span.End()

	if err := req.Validate(); err != nil {
		// A malformed request can never succeed on redelivery; resolve
		// it now as an engine-side fault.
		logger.Error().Err(err).Msg("rejecting malformed request")
		inv.finish(ctx, logger, req, sandbox.VerdictSystemError, queue.Metrics{}, start)
		return
	}

	env, err := inv.builder.Build(ctx, req.ID, req.Limits)
	if err != nil {
		// Build failures happen before any untrusted code ran, so the
		// request is safe to redeliver. Namespace exhaustion is plain
		// backpressure; the rest still get another host's chance.
		logger.Warn().Err(err).Msg("environment build failed, requeueing")
		inv.metrics.RecordInfraFailure(buildFailureType(err))
		if nerr := inv.queue.Nack(context.WithoutCancel(ctx), req.ID, err.Error()); nerr != nil {
			logger.Error().Err(nerr).Msg("nack failed")
			inv.metrics.RecordInfraFailure("queue")
			return
		}
		inv.metrics.Requeues.Inc()
		return
	}
	defer func() {
		if terr := env.Teardown(context.WithoutCancel(ctx)); terr != nil {
			logger.Error().Err(terr).Msg("environment teardown failed")
			inv.metrics.TeardownFailures.Inc()
			inv.metrics.RecordInfraFailure("teardown")
		}
	}()

	acct := sandbox.Watch(env, req.Limits)
	defer acct.Stop()

	inv.running.Store(req.ID, acct)
	defer inv.running.Delete(req.ID)

	stopPing := inv.startLeasePinger(ctx, req.ID)
	defer stopPing()

	result := inv.runPipeline(ctx, env, req, acct)

	usage := acct.Poll()
	breach := acct.Breached()
	verdict := sandbox.EvaluateVerdict(result.Stages, breach, result.InfraErr)

	if result.InfraErr != nil {
		logger.Error().Err(result.InfraErr).Msg("pipeline infrastructure failure")
		inv.metrics.RecordInfraFailure("pipeline")
	}
	for _, res := range result.Stages {
		inv.metrics.StageDuration.WithLabelValues(string(res.Stage)).Observe(res.Duration.Seconds())
		inv.metrics.OutputBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	}
	span.SetAttributes(
		monitor.AttrVerdict.String(string(verdict)),
		monitor.AttrLimitKind.String(string(breach)),
		monitor.AttrDurationMS.Int64(time.Since(start).Milliseconds()),
	)

	logger.Info().
		Str("verdict", string(verdict)).
		Str("limit_breached", string(breach)).
		Dur("cpu_time", usage.CPUTime).
		Int64("memory_peak", usage.MemoryPeak).
		Dur("wall_time", usage.WallTime).
		Msg("request resolved")

	inv.finish(ctx, logger, req, verdict, queue.Metrics{Usage: usage, Truncated: result.Truncated()}, start)
}

// runPipeline contains the only code that touches untrusted execution;
// a panic here becomes an infrastructure failure on this one request,
// not a dead worker.
func (inv *Invoker) runPipeline(ctx context.Context, env *sandbox.Environment, req *sandbox.ExecutionRequest, acct *sandbox.Accounting) (result sandbox.PipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			result.InfraErr = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return sandbox.NewPipeline(inv.exec).Run(ctx, env, req, acct)
}

// finish acks the verdict and hands the row to the result sink. The ack
// is the delivery guarantee; a failed ack leaves the claim to lapse and
// the request to be redelivered.
func (inv *Invoker) finish(ctx context.Context, logger zerolog.Logger, req *sandbox.ExecutionRequest, verdict sandbox.Verdict, m queue.Metrics, start time.Time) {
	if err := inv.queue.Ack(context.WithoutCancel(ctx), req.ID, verdict, m); err != nil {
		logger.Error().Err(err).Str("verdict", string(verdict)).Msg("ack failed")
		inv.metrics.RecordInfraFailure("queue")
		return
	}
	inv.metrics.RecordVerdict(string(verdict), time.Since(start).Seconds())

	if inv.results != nil {
		inv.results.Write(&storage.ResultRecord{
			RequestID:    req.ID,
			Verdict:      string(verdict),
			CPUTimeMS:    m.Usage.CPUTime.Milliseconds(),
			MemoryPeakKB: m.Usage.MemoryPeak / 1024,
			WallTimeMS:   m.Usage.WallTime.Milliseconds(),
			Truncated:    m.Truncated,
			ReceivedAt:   req.ReceivedAt,
			FinishedAt:   time.Now().UTC(),
		})
	}
}

// startLeasePinger extends the queue claim of a running request so slow
// executions are not redelivered mid-flight. No-op for queues without
// leases.
func (inv *Invoker) startLeasePinger(ctx context.Context, requestID string) func() {
	ext, ok := inv.queue.(queue.LeaseExtender)
	if !ok {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(inv.cfg.LeasePing)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.ExtendLease(ctx, requestID); err != nil {
					log.Warn().Str("request_id", requestID).Err(err).Msg("lease extension failed")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// tracedExecutor emits one child span per executed stage.
type tracedExecutor struct {
	inner  sandbox.StageExecutor
	tracer *monitor.Tracer
}

func (t *tracedExecutor) ExecStage(ctx context.Context, env *sandbox.Environment, stage sandbox.StageSpec, limits sandbox.ResourceLimits, acct *sandbox.Accounting) (sandbox.StageResult, error) {
	ctx, span := t.tracer.StartSpan(ctx, "stage",
		monitor.AttrRequestID.String(env.RequestID),
		monitor.AttrStage.String(string(stage.Kind)),
	)
	defer span.End()

	res, err := t.inner.ExecStage(ctx, env, stage, limits, acct)
	span.SetAttributes(monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()))
	return res, err
}

func buildFailureType(err error) string {
	if sandbox.IsBackpressure(err) {
		return "namespace_exhausted"
	}
	return "environment_build"
}
