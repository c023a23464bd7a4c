package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxRecord is a row of the outbox table: one row per domain event
// that must eventually reach the broker.
type OutboxRecord struct {
	ID            int64
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   sql.NullTime
}

// Outbox is the outbox table repository. Insert is always called inside
// the same transaction as the business-state mutation it accompanies —
// that atomicity is the entire point of the outbox pattern.
type Outbox struct {
	q Querier
}

func NewOutbox(q Querier) *Outbox { return &Outbox{q: q} }

// Insert appends a pending outbox row. eventID must be unique
// (store.IsUniqueViolation classifies the conflict); callers mint a fresh
// random uuid for every insert.
func (o *Outbox) Insert(ctx context.Context, rec OutboxRecord) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO outbox (event_id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.EventID, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert outbox row: %w", err)
	}
	return nil
}

// SelectUnpublished returns up to limit rows with published_at IS NULL,
// oldest first — the relay's poll batch.
func (o *Outbox) SelectUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at
		FROM outbox WHERE published_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select unpublished outbox rows: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt); err != nil {
			return nil, fmt.Errorf("store: scan outbox row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate outbox rows: %w", err)
	}
	return out, nil
}

// MarkPublished stamps published_at after the relay has confirmed the
// broker accepted the message — never before: a crash
// between publish and this call yields a harmless duplicate, not a
// loss).
func (o *Outbox) MarkPublished(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := o.q.ExecContext(ctx, `
		UPDATE outbox SET published_at = $1 WHERE id = $2
	`, now, id)
	if err != nil {
		return fmt.Errorf("store: mark outbox row published: %w", err)
	}
	return nil
}

// CountUnpublished reports the current relay backlog, exposed as a
// Prometheus gauge by the relay.
func (o *Outbox) CountUnpublished(ctx context.Context) (int, error) {
	row := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count unpublished outbox rows: %w", err)
	}
	return n, nil
}
