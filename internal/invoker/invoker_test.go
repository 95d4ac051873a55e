package invoker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sandbox-invoker/internal/monitor"
	"sandbox-invoker/internal/queue"
	"sandbox-invoker/internal/sandbox"
	"sandbox-invoker/internal/storage"
)

// fakeExec returns canned results and clears the fake cgroup leaf so
// teardown can rmdir it (real cgroupfs removes a populated leaf, a
// plain temp directory does not).
type fakeExec struct {
	mu      sync.Mutex
	results map[sandbox.StageKind]sandbox.StageResult
	block   chan struct{} // when set, ExecStage waits here
	started chan string   // receives the request ID when a stage starts
}

func (f *fakeExec) ExecStage(ctx context.Context, env *sandbox.Environment, stage sandbox.StageSpec, limits sandbox.ResourceLimits, acct *sandbox.Accounting) (sandbox.StageResult, error) {
	if f.started != nil {
		f.started <- env.RequestID
	}
	if f.block != nil {
		<-f.block
	}
	clearFakeLeaf(env)

	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[stage.Kind]; ok {
		return res, nil
	}
	return sandbox.StageResult{Stage: stage.Kind, Duration: time.Millisecond}, nil
}

func clearFakeLeaf(env *sandbox.Environment) {
	leaf := env.Cgroup().Path()
	entries, err := os.ReadDir(leaf)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.Remove(filepath.Join(leaf, e.Name()))
	}
}

func testFixture(t *testing.T, exec sandbox.StageExecutor, workers int) (*Invoker, *queue.Memory, *sandbox.IDAllocator) {
	t.Helper()
	alloc, err := sandbox.NewIDAllocator(100000, 100000, 8)
	if err != nil {
		t.Fatalf("NewIDAllocator: %v", err)
	}
	builder, err := sandbox.NewBuilder(sandbox.BuilderConfig{
		CgroupParent:     t.TempDir(),
		WorkRoot:         t.TempDir(),
		Mode:             sandbox.ScratchCopy,
		TeardownRetries:  3,
		TeardownInterval: time.Millisecond,
	}, alloc)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	q := queue.NewMemory()
	inv, err := New(Config{
		Workers:      workers,
		PollInterval: time.Millisecond,
		PollJitter:   0,
	}, q, builder, exec, nil, monitor.NewMetrics(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inv, q, alloc
}

func runRequest(id string, stages ...sandbox.StageSpec) *sandbox.ExecutionRequest {
	if len(stages) == 0 {
		stages = []sandbox.StageSpec{{Kind: sandbox.StageRun, Command: []string{"/bin/true"}}}
	}
	return &sandbox.ExecutionRequest{
		ID:         id,
		Stages:     stages,
		Limits:     sandbox.DefaultLimits(),
		ReceivedAt: time.Now(),
	}
}

// waitOutcome drives Run until the queue records an outcome for id.
func waitOutcome(t *testing.T, inv *Invoker, q *queue.Memory, id string) queue.Outcome {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		inv.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if out, ok := q.Outcome(id); ok {
			cancel()
			<-done
			return out
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("no outcome for %s", id)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestRunResolvesAccepted(t *testing.T) {
	inv, q, _ := testFixture(t, &fakeExec{}, 1)
	q.Push(runRequest("req1"))

	out := waitOutcome(t, inv, q, "req1")
	if out.Nacked {
		t.Fatalf("request was nacked: %s", out.Reason)
	}
	if out.Verdict != sandbox.VerdictAccepted {
		t.Errorf("verdict = %q, want accepted", out.Verdict)
	}
	if q.Len() != 0 {
		t.Errorf("queue Len = %d, want 0", q.Len())
	}
}

func TestRunMapsStageFailure(t *testing.T) {
	exec := &fakeExec{results: map[sandbox.StageKind]sandbox.StageResult{
		sandbox.StageCompile: {Stage: sandbox.StageCompile, ExitCode: 1},
	}}
	inv, q, _ := testFixture(t, exec, 1)
	q.Push(runRequest("req1",
		sandbox.StageSpec{Kind: sandbox.StageCompile, Command: []string{"cc"}},
		sandbox.StageSpec{Kind: sandbox.StageRun, Command: []string{"./a.out"}},
	))

	out := waitOutcome(t, inv, q, "req1")
	if out.Verdict != sandbox.VerdictCompileError {
		t.Errorf("verdict = %q, want compile_error", out.Verdict)
	}
}

func TestMalformedRequestGetsSystemError(t *testing.T) {
	inv, q, alloc := testFixture(t, &fakeExec{}, 1)
	before := alloc.Available()
	q.Push(&sandbox.ExecutionRequest{ID: "bad", Limits: sandbox.DefaultLimits()})

	out := waitOutcome(t, inv, q, "bad")
	if out.Verdict != sandbox.VerdictSystemError {
		t.Errorf("verdict = %q, want system_error", out.Verdict)
	}
	if alloc.Available() != before {
		t.Error("a rejected request must not consume isolation resources")
	}
}

func TestBuildFailureRequeues(t *testing.T) {
	inv, q, alloc := testFixture(t, &fakeExec{}, 1)

	// Drain the subordinate range so every build fails as backpressure.
	var held []sandbox.IDPair
	for {
		pair, err := alloc.Acquire()
		if err != nil {
			break
		}
		held = append(held, pair)
	}
	q.Push(runRequest("req1"))

	out := waitOutcome(t, inv, q, "req1")
	if !out.Nacked {
		t.Fatalf("outcome = %+v, want a nack", out)
	}
	if out.Verdict != "" {
		t.Errorf("verdict = %q, a requeued request must carry none", out.Verdict)
	}
	if q.Len() == 0 {
		t.Error("request must be deliverable again")
	}
	for _, pair := range held {
		alloc.Release(pair)
	}
}

func TestWorkerResolvesEveryRequestOnce(t *testing.T) {
	inv, q, alloc := testFixture(t, &fakeExec{}, 4)
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		q.Push(runRequest(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		inv.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		resolved := 0
		for _, id := range ids {
			if _, ok := q.Outcome(id); ok {
				resolved++
			}
		}
		if resolved == len(ids) {
			break
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("only %d of %d requests resolved", resolved, len(ids))
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	<-done

	for _, id := range ids {
		out, _ := q.Outcome(id)
		if out.Verdict != sandbox.VerdictAccepted {
			t.Errorf("request %s verdict = %q, want accepted", id, out.Verdict)
		}
	}
	// Graceful shutdown returned every isolation resource.
	if alloc.Available() != 8 {
		t.Errorf("Available = %d, want the full range back", alloc.Available())
	}
}

func TestCancelRunningRequest(t *testing.T) {
	exec := &fakeExec{
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}
	inv, q, _ := testFixture(t, exec, 1)
	q.Push(runRequest("req1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		inv.Run(ctx)
		close(done)
	}()

	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}

	if inv.Cancel("ghost") {
		t.Error("Cancel of an unknown request must report false")
	}
	if !inv.Cancel("req1") {
		t.Error("Cancel of a running request must report true")
	}
	close(exec.block)

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := q.Outcome("req1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("cancelled request never resolved")
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	<-done

	// Once resolved, the request is no longer cancellable.
	if inv.Cancel("req1") {
		t.Error("Cancel after resolution must report false")
	}
}

func TestResultSinkReceivesRecord(t *testing.T) {
	type capture struct {
		mu   sync.Mutex
		recs []*storage.ResultRecord
	}
	sink := &capture{}
	write := func(rec *storage.ResultRecord) {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		sink.recs = append(sink.recs, rec)
	}

	alloc, _ := sandbox.NewIDAllocator(100000, 100000, 4)
	builder, err := sandbox.NewBuilder(sandbox.BuilderConfig{
		CgroupParent:     t.TempDir(),
		WorkRoot:         t.TempDir(),
		Mode:             sandbox.ScratchCopy,
		TeardownRetries:  3,
		TeardownInterval: time.Millisecond,
	}, alloc)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	q := queue.NewMemory()
	inv, err := New(Config{Workers: 1, PollInterval: time.Millisecond}, q, builder, &fakeExec{}, sinkFunc(write), monitor.NewMetrics(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Push(runRequest("req1"))

	waitOutcome(t, inv, q, "req1")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 {
		t.Fatalf("sink got %d records, want 1", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.RequestID != "req1" || rec.Verdict != string(sandbox.VerdictAccepted) {
		t.Errorf("record = %+v", rec)
	}
	if rec.FinishedAt.IsZero() {
		t.Error("FinishedAt must be set")
	}
}

// sinkFunc adapts a function to the ResultSink interface.
type sinkFunc func(*storage.ResultRecord)

func (f sinkFunc) Write(rec *storage.ResultRecord) { f(rec) }
