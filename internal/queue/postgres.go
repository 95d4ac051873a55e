package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"sandbox-invoker/internal/sandbox"
)

// Postgres implements Queue over an invoker_tasks table. A claim is a
// lease: the row moves to status running with an expire_time, and a row
// whose lease lapsed is claimable again, so a crashed worker cannot
// strand a request. FOR UPDATE SKIP LOCKED keeps concurrent workers off
// each other's rows.
type Postgres struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewPostgres(ctx context.Context, dsn string, lease time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing queue DSN: %w", err)
	}
	config.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to queue database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging queue database: %w", err)
	}
	if lease <= 0 {
		lease = time.Minute
	}
	log.Info().Msg("connected to task queue")
	return &Postgres{pool: pool, lease: lease}, nil
}

func (q *Postgres) Close() {
	q.pool.Close()
}

// Enqueue inserts a new queued task and returns its ID. Production
// requests come from the external scheduler; this exists for
// operational tooling and tests.
func (q *Postgres) Enqueue(ctx context.Context, req *sandbox.ExecutionRequest) (string, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	query := `
		INSERT INTO invoker_tasks (id, status, payload, created_at)
		VALUES ($1, 'queued', $2, now())`
	if _, err := q.pool.Exec(ctx, query, id, payload); err != nil {
		return "", fmt.Errorf("%w: enqueue: %v", sandbox.ErrQueueUnavailable, err)
	}
	return id, nil
}

func (q *Postgres) Dequeue(ctx context.Context) (*sandbox.ExecutionRequest, error) {
	query := `
		UPDATE invoker_tasks SET status = 'running', attempts = attempts + 1,
			expire_time = now() + $1
		WHERE id = (
			SELECT id FROM invoker_tasks
			WHERE status = 'queued'
			   OR (status = 'running' AND expire_time < now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload`

	var id string
	var payload []byte
	err := q.pool.QueryRow(ctx, query, q.lease).Scan(&id, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue: %v", sandbox.ErrQueueUnavailable, err)
	}

	var req sandbox.ExecutionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		// A malformed payload can never execute; fail it in place so it
		// does not loop through redelivery forever.
		if nackErr := q.fail(ctx, id, "malformed payload: "+err.Error()); nackErr != nil {
			log.Error().Str("request_id", id).Err(nackErr).Msg("cannot fail malformed task")
		}
		return nil, fmt.Errorf("%w: decode payload for %s: %v", sandbox.ErrInvalidRequest, id, err)
	}
	req.ID = id
	req.ReceivedAt = time.Now()
	return &req, nil
}

func (q *Postgres) Ack(ctx context.Context, requestID string, verdict sandbox.Verdict, metrics Metrics) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	query := `
		UPDATE invoker_tasks
		SET status = 'succeeded', verdict = $2, metrics = $3, expire_time = NULL
		WHERE id = $1 AND status = 'running'`
	tag, err := q.pool.Exec(ctx, query, requestID, string(verdict), data)
	if err != nil {
		return fmt.Errorf("%w: ack %s: %v", sandbox.ErrQueueUnavailable, requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ack %s: task is not running", requestID)
	}
	return nil
}

func (q *Postgres) Nack(ctx context.Context, requestID string, reason string) error {
	query := `
		UPDATE invoker_tasks
		SET status = 'queued', last_error = $2, expire_time = NULL
		WHERE id = $1 AND status = 'running'`
	if _, err := q.pool.Exec(ctx, query, requestID, reason); err != nil {
		return fmt.Errorf("%w: nack %s: %v", sandbox.ErrQueueUnavailable, requestID, err)
	}
	return nil
}

// ExtendLease pushes the claim's expiry forward while work is in flight.
func (q *Postgres) ExtendLease(ctx context.Context, requestID string) error {
	query := `
		UPDATE invoker_tasks SET expire_time = now() + $2
		WHERE id = $1 AND status = 'running'`
	if _, err := q.pool.Exec(ctx, query, requestID, q.lease); err != nil {
		return fmt.Errorf("%w: extend lease %s: %v", sandbox.ErrQueueUnavailable, requestID, err)
	}
	return nil
}

func (q *Postgres) fail(ctx context.Context, requestID, reason string) error {
	query := `
		UPDATE invoker_tasks
		SET status = 'failed', last_error = $2, expire_time = NULL
		WHERE id = $1`
	_, err := q.pool.Exec(ctx, query, requestID, reason)
	return err
}

var (
	_ Queue         = (*Postgres)(nil)
	_ LeaseExtender = (*Postgres)(nil)
)
