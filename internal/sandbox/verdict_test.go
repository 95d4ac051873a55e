package sandbox

import (
	"errors"
	"testing"
)

func stageResults(failed ...StageKind) []StageResult {
	bad := make(map[StageKind]bool, len(failed))
	for _, k := range failed {
		bad[k] = true
	}
	var out []StageResult
	for _, k := range []StageKind{StagePrepare, StageCompile, StageRun, StageVerify} {
		res := StageResult{Stage: k}
		if bad[k] {
			res.ExitCode = 1
		}
		out = append(out, res)
		if bad[k] {
			break // pipeline short-circuits after a failed stage
		}
	}
	return out
}

func TestEvaluateVerdict(t *testing.T) {
	tests := []struct {
		name     string
		results  []StageResult
		breach   LimitKind
		infraErr error
		want     Verdict
	}{
		{"all stages pass", stageResults(), LimitNone, nil, VerdictAccepted},
		{"verify fails", stageResults(StageVerify), LimitNone, nil, VerdictWrongOutput},
		{"run fails", stageResults(StageRun), LimitNone, nil, VerdictRuntimeError},
		{"compile fails", stageResults(StageCompile), LimitNone, nil, VerdictCompileError},
		{"prepare fails", stageResults(StagePrepare), LimitNone, nil, VerdictSystemError},
		{"wall breach", stageResults(), LimitWall, nil, VerdictTimeLimitExceeded},
		{"cpu breach", stageResults(), LimitCPU, nil, VerdictTimeLimitExceeded},
		{"memory breach", stageResults(), LimitMemory, nil, VerdictMemoryLimitExceeded},
		{"output breach", stageResults(), LimitOutput, nil, VerdictOutputLimitExceeded},
		{"pids breach", stageResults(), LimitProcesses, nil, VerdictRuntimeError},
		// The breach is the cause; the nonzero exit is the symptom.
		{"run fails and memory breached", stageResults(StageRun), LimitMemory, nil, VerdictMemoryLimitExceeded},
		{"run killed and wall breached", stageResults(StageRun), LimitWall, nil, VerdictTimeLimitExceeded},
		// Infrastructure faults dominate everything.
		{"infra error alone", nil, LimitNone, errors.New("cgroup vanished"), VerdictSystemError},
		{"infra error beats breach", stageResults(), LimitMemory, errors.New("boom"), VerdictSystemError},
		{"signal counts as failure", []StageResult{{Stage: StageRun, Signal: 9}}, LimitNone, nil, VerdictRuntimeError},
		{"no stages, no breach", nil, LimitNone, nil, VerdictAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateVerdict(tt.results, tt.breach, tt.infraErr)
			if got != tt.want {
				t.Errorf("EvaluateVerdict() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluateVerdictDeterministic(t *testing.T) {
	results := stageResults(StageRun)
	first := EvaluateVerdict(results, LimitMemory, nil)
	for i := 0; i < 100; i++ {
		if got := EvaluateVerdict(results, LimitMemory, nil); got != first {
			t.Fatalf("iteration %d: got %q, want %q", i, got, first)
		}
	}
}
