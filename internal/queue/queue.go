// Package queue is the engine's upstream interface: the external
// scheduler enqueues execution requests, the invoker drains them and
// reports exactly one outcome per request.
package queue

import (
	"context"

	"sandbox-invoker/internal/sandbox"
)

// Metrics is the resource summary reported alongside a verdict.
type Metrics struct {
	Usage     sandbox.Usage `json:"usage"`
	Truncated bool          `json:"truncated"`
}

// Queue is the consumer contract. Dequeue returns (nil, nil) when no
// work is available; errors mean the queue itself is unreachable and
// wrap sandbox.ErrQueueUnavailable.
type Queue interface {
	// Dequeue claims the next request exclusively for the caller.
	Dequeue(ctx context.Context) (*sandbox.ExecutionRequest, error)
	// Ack finishes a claimed request with its verdict and metrics.
	Ack(ctx context.Context, requestID string, verdict sandbox.Verdict, metrics Metrics) error
	// Nack returns a claimed request for redelivery after an
	// infrastructure failure; no verdict is recorded.
	Nack(ctx context.Context, requestID string, reason string) error
}

// LeaseExtender is implemented by queues whose claims expire. The
// coordinator pings it while a request runs so slow executions are not
// redelivered mid-flight.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, requestID string) error
}
