package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeadLetterRecord is a row of the dead-letter sink: an event that
// exhausted its retry budget without a successful outcome.
type DeadLetterRecord struct {
	ID         int64
	EventID    uuid.UUID
	WorkerKind string
	Payload    []byte
	LastError  string
	Attempts   int
	CreatedAt  time.Time
}

// DeadLetter is the dead_letter_events table repository.
type DeadLetter struct {
	q Querier
}

func NewDeadLetter(q Querier) *DeadLetter { return &DeadLetter{q: q} }

// Insert records a poison event. It is idempotent on (event_id,
// worker_kind): a redelivered event that is dead-lettered again simply
// no-ops instead of accumulating duplicate rows.
func (d *DeadLetter) Insert(ctx context.Context, rec DeadLetterRecord) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO dead_letter_events (event_id, worker_kind, payload, last_error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.EventID, rec.WorkerKind, rec.Payload, rec.LastError, rec.Attempts, rec.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: insert dead letter row: %w", err)
	}
	return nil
}

// Count reports the current number of dead-letter rows.
func (d *DeadLetter) Count(ctx context.Context) (int, error) {
	row := d.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_events`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count dead letter rows: %w", err)
	}
	return n, nil
}
