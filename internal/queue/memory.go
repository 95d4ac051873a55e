package queue

import (
	"context"
	"fmt"
	"sync"

	"sandbox-invoker/internal/sandbox"
)

// Ack/Nack outcome of one request, kept by the in-memory queue.
type Outcome struct {
	Verdict sandbox.Verdict
	Metrics Metrics
	Nacked  bool
	Reason  string
}

// Memory is an in-process Queue used by tests and local development.
// Semantics mirror the Postgres queue: a dequeued request is claimed
// until it is acked or nacked, and a nack makes it deliverable again.
type Memory struct {
	mu       sync.Mutex
	pending  []*sandbox.ExecutionRequest
	claimed  map[string]*sandbox.ExecutionRequest
	outcomes map[string]Outcome
}

func NewMemory() *Memory {
	return &Memory{
		claimed:  make(map[string]*sandbox.ExecutionRequest),
		outcomes: make(map[string]Outcome),
	}
}

// Push enqueues a request for delivery.
func (q *Memory) Push(req *sandbox.ExecutionRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, req)
}

func (q *Memory) Dequeue(ctx context.Context) (*sandbox.ExecutionRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.claimed[req.ID] = req
	return req, nil
}

func (q *Memory) Ack(ctx context.Context, requestID string, verdict sandbox.Verdict, metrics Metrics) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.claimed[requestID]; !ok {
		return fmt.Errorf("ack %s: not claimed", requestID)
	}
	delete(q.claimed, requestID)
	q.outcomes[requestID] = Outcome{Verdict: verdict, Metrics: metrics}
	return nil
}

func (q *Memory) Nack(ctx context.Context, requestID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.claimed[requestID]
	if !ok {
		return fmt.Errorf("nack %s: not claimed", requestID)
	}
	delete(q.claimed, requestID)
	q.pending = append(q.pending, req)
	q.outcomes[requestID] = Outcome{Nacked: true, Reason: reason}
	return nil
}

// Outcome returns the recorded result for a request, if any.
func (q *Memory) Outcome(requestID string) (Outcome, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out, ok := q.outcomes[requestID]
	return out, ok
}

// Len returns the number of deliverable requests.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

var _ Queue = (*Memory)(nil)
