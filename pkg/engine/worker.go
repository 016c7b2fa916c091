package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fleetmend/fleetmend/pkg/telemetry"
)

// Job is one claimed provisioning request, owned by a single consumer until
// acknowledged or its lease expires.
type Job struct {
	ID            int64
	Request       ProvisioningRequest
	DeliveryCount int
}

// JobQueue is the at-least-once delivery channel carrying provisioning
// requests to engine workers. Claim hands each message to exactly one active
// consumer; a message that is never acknowledged is redelivered once its
// lease expires. Results are written to a keyed slot with a bounded TTL so a
// caller that polls late still observes the outcome once.
type JobQueue interface {
	// Claim leases the next pending message for this consumer. Returns nil
	// when the queue is empty.
	Claim(ctx context.Context, consumer string) (*Job, error)

	// Ack marks a claimed message as processed. Called only after the result
	// slot is written.
	Ack(ctx context.Context, jobID int64) error

	// SetResult writes the run outcome to the request's result slot.
	SetResult(ctx context.Context, requestID string, result *ProvisioningResult) error
}

// Worker pulls provisioning requests off the queue and runs them through the
// engine, one at a time. Run several workers against the same queue to share
// load; the consumer-group lease semantics prevent duplicate delivery under
// normal operation.
type Worker struct {
	name         string
	queue        JobQueue
	engine       *Engine
	tracker      *Tracker
	tracer       *telemetry.Tracer
	pollInterval time.Duration
}

// NewWorker creates a queue worker.
func NewWorker(name string, queue JobQueue, engine *Engine, tracker *Tracker, tracer *telemetry.Tracer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		name:         name,
		queue:        queue,
		engine:       engine,
		tracker:      tracker,
		tracer:       tracer,
		pollInterval: pollInterval,
	}
}

// Run consumes jobs until the context is cancelled. An in-flight run is
// allowed to finish; only the polling loop observes cancellation.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("worker", w.name).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker", w.name).Msg("worker stopped")
			return
		default:
		}

		job, err := w.queue.Claim(ctx, w.name)
		if err != nil {
			log.Error().Err(err).Str("worker", w.name).Msg("claim failed")
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.handle(ctx, job)
	}
}

// handle runs one job to completion. The result slot is written before the
// ack: if the worker dies between the two, redelivery re-runs the request and
// overwrites the slot with an identical outcome, which is safe because the
// whole state machine is re-runnable.
func (w *Worker) handle(ctx context.Context, job *Job) {
	runCtx := ctx
	if w.tracer != nil {
		sctx, span := w.tracer.StartRunSpan(ctx, job.Request.RequestID,
			attribute.String("server.handle", job.Request.ServerHandle),
			attribute.Int("delivery.count", job.DeliveryCount),
		)
		defer span.End()
		runCtx = sctx
	}

	if job.DeliveryCount > 1 {
		log.Warn().
			Str("worker", w.name).
			Str("request_id", job.Request.RequestID).
			Int("delivery_count", job.DeliveryCount).
			Msg("handling redelivered request")
	}

	if job.Request.IsIncidentRecovery {
		w.tracker.MarkRecovering(runCtx, job.Request.ServerHandle)
	}

	result := w.engine.Execute(runCtx, job.Request)

	if err := w.queue.SetResult(ctx, job.Request.RequestID, result); err != nil {
		// Leave the job unacked so the queue redelivers it; re-running the
		// request is safe, losing the result is not.
		log.Error().Err(err).
			Str("request_id", job.Request.RequestID).
			Msg("failed to write result slot, leaving job for redelivery")
		return
	}

	if err := w.queue.Ack(ctx, job.ID); err != nil {
		log.Error().Err(err).
			Str("request_id", job.Request.RequestID).
			Msg("failed to ack job")
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(w.pollInterval):
	case <-ctx.Done():
	}
}
