// Package relay drains outbox rows to the broker, at-least-once, with
// crash-safe progress. It runs a scan-loop shape: bounded work per
// tick, structured logging, Prometheus counters, context-cancellable
// sleeps, draining Postgres rows into the broker.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ordermesh/payment-pipeline/internal/broker"
	"github.com/ordermesh/payment-pipeline/internal/obs"
	"github.com/ordermesh/payment-pipeline/internal/store"
)

// Relay is the single-process background loop publishing outbox rows.
type Relay struct {
	outbox       *store.Outbox
	publisher    broker.Publisher
	log          *zap.Logger
	batchSize    int
	pollInterval time.Duration
	retryBackoff time.Duration
}

// Config carries the relay role's tunables.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	RetryBackoff time.Duration
}

func New(outbox *store.Outbox, publisher broker.Publisher, log *zap.Logger, cfg Config) *Relay {
	return &Relay{
		outbox:       outbox,
		publisher:    publisher,
		log:          log,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Run loops until ctx is canceled, publishing unpublished outbox rows in
// creation order and marking each published only after the broker has
// acknowledged it.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rows, err := r.outbox.SelectUnpublished(ctx, r.batchSize)
		if err != nil {
			r.log.Error("relay: select unpublished failed", obs.Err(err))
			if !sleepCtx(ctx, r.retryBackoff) {
				return ctx.Err()
			}
			continue
		}

		if len(rows) == 0 {
			if backlog, err := r.outbox.CountUnpublished(ctx); err == nil {
				obs.OutboxBacklog.Set(float64(backlog))
			}
			if !sleepCtx(ctx, r.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		if !r.publishBatch(ctx, rows) {
			if !sleepCtx(ctx, r.retryBackoff) {
				return ctx.Err()
			}
		}
	}
}

// publishBatch publishes rows in order, aborting on the first failure
// and sleeping a constant back-off before the next tick. It returns
// false if the batch was aborted early.
func (r *Relay) publishBatch(ctx context.Context, rows []store.OutboxRecord) bool {
	for _, rec := range rows {
		if ctx.Err() != nil {
			return false
		}

		env := broker.Envelope{
			EventID:       rec.EventID,
			EventType:     rec.EventType,
			AggregateType: rec.AggregateType,
			AggregateID:   rec.AggregateID,
			Payload:       json.RawMessage(rec.Payload),
			CreatedAt:     rec.CreatedAt,
		}

		spanCtx, span := obs.StartRelaySpan(ctx, env.EventID.String(), env.EventType)
		err := r.publisher.Publish(spanCtx, env)
		if err != nil {
			obs.RecordError(spanCtx, err)
			span.End()
			r.log.Error("relay: publish failed, aborting batch",
				obs.String("event_id", env.EventID.String()),
				obs.String("event_type", env.EventType),
				obs.Err(err))
			return false
		}
		obs.SetSpanSuccess(spanCtx)
		span.End()

		if err := r.outbox.MarkPublished(ctx, rec.ID); err != nil {
			// The broker already has this message; a crash here just
			// republishes it on the next tick, tolerated by downstream
			// idempotency.
			r.log.Error("relay: mark published failed, aborting batch",
				obs.String("event_id", env.EventID.String()),
				obs.Err(err))
			return false
		}

		obs.OutboxPublished.Inc()
		r.log.Info("relay: published event",
			obs.String("event_id", env.EventID.String()),
			obs.String("event_type", env.EventType),
			obs.String("aggregate_id", env.AggregateID.String()))
	}
	return true
}

// sleepCtx sleeps d or returns false early if ctx is canceled, so the
// relay's back-off never outlives shutdown.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
