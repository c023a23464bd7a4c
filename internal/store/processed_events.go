package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProcessedEvents is the dedup ledger: one row per (event_id, worker_kind)
// pair that a worker has already applied, used to make payment
// processing idempotent under redelivery.
type ProcessedEvents struct {
	q Querier
}

func NewProcessedEvents(q Querier) *ProcessedEvents { return &ProcessedEvents{q: q} }

// Exists reports whether (eventID, workerKind) has already been
// recorded — a duplicate delivery the worker should skip without
// reprocessing.
func (p *ProcessedEvents) Exists(ctx context.Context, eventID uuid.UUID, workerKind string) (bool, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT 1 FROM processed_events WHERE event_id = $1 AND worker_kind = $2
	`, eventID, workerKind)
	var dummy int
	err := row.Scan(&dummy)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("store: check processed event: %w", err)
	}
}

// Insert records that (eventID, workerKind) has been applied. It is
// always called in the same transaction as the business effect it
// guards, so a crash after the effect but before this insert simply
// reprocesses the event on redelivery.
func (p *ProcessedEvents) Insert(ctx context.Context, eventID uuid.UUID, workerKind string) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, worker_kind, processed_at)
		VALUES ($1, $2, $3)
	`, eventID, workerKind, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert processed event: %w", err)
	}
	return nil
}
