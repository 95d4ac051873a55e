package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
//
// The first group are infrastructure faults: they describe the engine or
// the host, never the executed program, and surface upstream as a
// SystemError verdict or a requeue.
var (
	ErrCgroupCreate        = errors.New("cgroup leaf creation failed")
	ErrLimitApply          = errors.New("cgroup limit apply failed")
	ErrNamespaceExhausted  = errors.New("subordinate uid/gid range exhausted")
	ErrTeardownTimeout     = errors.New("environment teardown timed out")
	ErrQueueUnavailable    = errors.New("request queue unavailable")
	ErrInvalidLimits       = errors.New("invalid resource limits")
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrEnvironmentTornDown = errors.New("environment already torn down")
)

// EnvironmentError wraps errors with the owning request's context.
type EnvironmentError struct {
	RequestID string
	Op        string // The operation that failed
	Err       error
}

func (e *EnvironmentError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("request %s: %s: %s", e.RequestID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err is a fault of the engine or host
// rather than an outcome of the executed program. The distinction is
// load-bearing: infrastructure faults map to SystemError, never to a
// program verdict.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrCgroupCreate) ||
		errors.Is(err, ErrLimitApply) ||
		errors.Is(err, ErrNamespaceExhausted) ||
		errors.Is(err, ErrTeardownTimeout) ||
		errors.Is(err, ErrQueueUnavailable)
}

// IsBackpressure reports whether err signals the coordinator to requeue
// rather than fail the request.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrNamespaceExhausted)
}
