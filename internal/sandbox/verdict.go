package sandbox

// Verdict is the closed-set classification of an execution's outcome.
type Verdict string

const (
	VerdictAccepted            Verdict = "accepted"
	VerdictWrongOutput         Verdict = "wrong_output"
	VerdictCompileError        Verdict = "compile_error"
	VerdictRuntimeError        Verdict = "runtime_error"
	VerdictTimeLimitExceeded   Verdict = "time_limit_exceeded"
	VerdictMemoryLimitExceeded Verdict = "memory_limit_exceeded"
	VerdictOutputLimitExceeded Verdict = "output_limit_exceeded"
	// VerdictSystemError marks a fault of the engine or host. It is
	// never a statement about the executed program; downstream scoring
	// depends on that distinction.
	VerdictSystemError Verdict = "system_error"
)

// EvaluateVerdict maps the ordered stage results of one request to a
// verdict. Deterministic precedence, most significant first:
//
//  1. an infrastructure fault is SystemError regardless of anything else;
//  2. a limit breach maps to its specific limit verdict even when the
//     process also exited with a program-level error (the exhaustion is
//     the cause, the exit code the symptom);
//  3. otherwise the earliest failed stage decides.
func EvaluateVerdict(results []StageResult, breach LimitKind, infraErr error) Verdict {
	if infraErr != nil {
		return VerdictSystemError
	}
	switch breach {
	case LimitWall, LimitCPU:
		return VerdictTimeLimitExceeded
	case LimitMemory:
		return VerdictMemoryLimitExceeded
	case LimitOutput:
		return VerdictOutputLimitExceeded
	case LimitProcesses:
		// Fork refusal surfaces to the program as a failed syscall.
		return VerdictRuntimeError
	}
	for _, res := range results {
		if !res.Failed() {
			continue
		}
		switch res.Stage {
		case StagePrepare:
			// Prepare runs engine-provisioned setup, not the submitted
			// program; its failure is ours.
			return VerdictSystemError
		case StageCompile:
			return VerdictCompileError
		case StageRun:
			return VerdictRuntimeError
		case StageVerify:
			return VerdictWrongOutput
		}
	}
	return VerdictAccepted
}
