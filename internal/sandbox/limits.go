package sandbox

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// NoMemoryLimit is the explicit "unlimited memory" sentinel. A zero
// Memory field is rejected by Validate: zero would be ambiguous between
// "no limit" and "forbid all allocation".
const NoMemoryLimit int64 = -1

// ResourceLimits describes the enforcement ceilings for one execution.
// It is an immutable value object; a request carries exactly one.
type ResourceLimits struct {
	CPUTime       time.Duration `json:"cpu_time" yaml:"cpu_time"`
	WallTime      time.Duration `json:"wall_time" yaml:"wall_time"`
	Memory        int64         `json:"memory_bytes" yaml:"memory_bytes"` // bytes, or NoMemoryLimit
	MaxProcesses  int64         `json:"max_processes" yaml:"max_processes"`
	MaxOpenFiles  int64         `json:"max_open_files" yaml:"max_open_files"`
	MaxOutputSize int64         `json:"max_output_bytes" yaml:"max_output_bytes"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUTime:       time.Second,
		WallTime:      2 * time.Second,
		Memory:        256 << 20,
		MaxProcesses:  50,
		MaxOpenFiles:  256,
		MaxOutputSize: 1 << 20,
	}
}

// Validate rejects descriptors that cannot be applied safely.
func (rl ResourceLimits) Validate() error {
	if rl.CPUTime < 0 {
		return fmt.Errorf("%w: cpu_time is negative (%s)", ErrInvalidLimits, rl.CPUTime)
	}
	if rl.WallTime < 0 {
		return fmt.Errorf("%w: wall_time is negative (%s)", ErrInvalidLimits, rl.WallTime)
	}
	if rl.Memory == 0 {
		return fmt.Errorf("%w: memory_bytes is 0, use NoMemoryLimit for unlimited", ErrInvalidLimits)
	}
	if rl.Memory < 0 && rl.Memory != NoMemoryLimit {
		return fmt.Errorf("%w: memory_bytes %d is negative", ErrInvalidLimits, rl.Memory)
	}
	if rl.MaxProcesses < 0 {
		return fmt.Errorf("%w: max_processes %d is negative", ErrInvalidLimits, rl.MaxProcesses)
	}
	if rl.MaxOpenFiles < 0 {
		return fmt.Errorf("%w: max_open_files %d is negative", ErrInvalidLimits, rl.MaxOpenFiles)
	}
	if rl.MaxOutputSize < 0 {
		return fmt.Errorf("%w: max_output_bytes %d is negative", ErrInvalidLimits, rl.MaxOutputSize)
	}
	if rl.WallTime > 0 && rl.CPUTime > 0 && rl.WallTime < rl.CPUTime {
		// Recommended ordering, not structurally enforced.
		log.Warn().
			Dur("wall_time", rl.WallTime).
			Dur("cpu_time", rl.CPUTime).
			Msg("wall_time is below cpu_time; wall clock will fire first")
	}
	return nil
}

// Unlimited reports whether the descriptor carries no memory ceiling.
func (rl ResourceLimits) UnlimitedMemory() bool {
	return rl.Memory == NoMemoryLimit
}
