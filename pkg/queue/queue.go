// Package queue implements the at-least-once delivery channel carrying
// provisioning requests to engine workers, backed by the same SQLite database
// as the rest of the persistence layer. Messages are leased to one consumer
// at a time; an unacknowledged message is redelivered when its lease expires.
// Run outcomes land in keyed result slots with a bounded TTL so callers that
// poll late still observe the outcome once.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetmend/fleetmend/pkg/engine"
)

// Options tunes queue behavior.
type Options struct {
	// LeaseDuration is how long a claimed message stays invisible to other
	// consumers. It must exceed the longest possible run, or a slow run's
	// message is redelivered while the run is still in flight.
	LeaseDuration time.Duration

	// ResultTTL bounds how long a result slot is readable.
	ResultTTL time.Duration
}

// DefaultOptions returns queue options sized for provisioning runs.
func DefaultOptions() Options {
	return Options{
		LeaseDuration: 45 * time.Minute,
		ResultTTL:     time.Hour,
	}
}

// Queue is a SQLite-backed job queue. It satisfies both the consumer side
// (engine.JobQueue) and the producer side (engine.Publisher).
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue over an initialized, migrated database handle.
func New(db *sql.DB, opts Options) *Queue {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultOptions().LeaseDuration
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultOptions().ResultTTL
	}
	return &Queue{db: db, opts: opts}
}

// Publish enqueues a provisioning request. Publishing the same request ID
// twice is a no-op: the request is already in flight.
func (q *Queue) Publish(ctx context.Context, req engine.ProvisioningRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (request_id, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`, req.RequestID, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}

	log.Debug().Str("request_id", req.RequestID).Str("handle", req.ServerHandle).
		Msg("request enqueued")
	return nil
}

// Claim leases the next deliverable message for this consumer. A message is
// deliverable when it was never claimed or its previous lease expired without
// an ack. Returns nil when nothing is deliverable.
func (q *Queue) Claim(ctx context.Context, consumer string) (*engine.Job, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id            int64
		requestID     string
		payload       string
		deliveryCount int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, request_id, payload, delivery_count
		FROM queue_messages
		WHERE lease_expires_at IS NULL OR lease_expires_at <= ?
		ORDER BY id
		LIMIT 1
	`, now).Scan(&id, &requestID, &payload, &deliveryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select message: %w", err)
	}

	deliveryCount++
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_messages
		SET claimed_by = ?, lease_expires_at = ?, delivery_count = ?
		WHERE id = ?
	`, consumer, now.Add(q.opts.LeaseDuration), deliveryCount, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lease message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	var req engine.ProvisioningRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("failed to decode request payload: %w", err)
	}

	return &engine.Job{
		ID:            id,
		Request:       req,
		DeliveryCount: deliveryCount,
	}, nil
}

// Ack removes a processed message from the queue. Called only after the
// result slot is written; the run outcome outlives the message.
func (q *Queue) Ack(ctx context.Context, jobID int64) error {
	result, err := q.db.ExecContext(ctx, "DELETE FROM queue_messages WHERE id = ?", jobID)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("message not found: %d", jobID)
	}
	return nil
}

// SetResult writes the run outcome to the request's result slot. A redelivered
// request overwrites its slot with the fresh outcome.
func (q *Queue) SetResult(ctx context.Context, requestID string, result *engine.ProvisioningResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	now := time.Now().UTC()
	q.purgeExpiredResults(ctx, now)

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_results (request_id, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at
	`, requestID, string(payload), now.Add(q.opts.ResultTTL), now)
	if err != nil {
		return fmt.Errorf("failed to write result slot: %w", err)
	}
	return nil
}

// GetResult reads a result slot. Returns nil when no unexpired result exists
// for the request.
func (q *Queue) GetResult(ctx context.Context, requestID string) (*engine.ProvisioningResult, error) {
	now := time.Now().UTC()
	q.purgeExpiredResults(ctx, now)

	var payload string
	err := q.db.QueryRowContext(ctx, `
		SELECT payload FROM queue_results
		WHERE request_id = ? AND expires_at > ?
	`, requestID, now).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result slot: %w", err)
	}

	var result engine.ProvisioningResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result payload: %w", err)
	}
	return &result, nil
}

// WaitResult polls a result slot until it is written, the timeout elapses, or
// the context is cancelled.
func (q *Queue) WaitResult(ctx context.Context, requestID string, timeout, pollInterval time.Duration) (*engine.ProvisioningResult, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := q.GetResult(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no result for request %s within %s", requestID, timeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Depth returns the number of unacknowledged messages. Acked messages are
// deleted, so every remaining row counts.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_messages").Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return depth, nil
}

// purgeExpiredResults drops expired result slots. Best-effort; expired rows
// are also excluded by the read predicate.
func (q *Queue) purgeExpiredResults(ctx context.Context, now time.Time) {
	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM queue_results WHERE expires_at <= ?", now); err != nil {
		log.Warn().Err(err).Msg("failed to purge expired result slots")
	}
}
