package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ordermesh/payment-pipeline/internal/domain"
)

// ErrOrderNotFound is returned by Get when no row matches id.
var ErrOrderNotFound = errors.New("store: order not found")

// Orders is the orders table repository. It accepts any Querier so the
// same code runs against the autocommit pool (a lone conditional
// update) or an open transaction (the terminal commit alongside the
// outbox and dedup ledger writes).
type Orders struct {
	q Querier
}

func NewOrders(q Querier) *Orders { return &Orders{q: q} }

// Insert writes a brand-new order in state CREATED, version 0.
func (o *Orders) Insert(ctx context.Context, ord domain.Order) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, amount, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ord.ID, ord.UserID, ord.Amount, string(ord.State), ord.Version, ord.CreatedAt, ord.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert order: %w", err)
	}
	return nil
}

// Get reads an order by id.
func (o *Orders) Get(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	row := o.q.QueryRowContext(ctx, `
		SELECT id, user_id, amount, state, version, created_at, updated_at
		FROM orders WHERE id = $1
	`, id)

	var ord domain.Order
	var state string
	if err := row.Scan(&ord.ID, &ord.UserID, &ord.Amount, &state, &ord.Version, &ord.CreatedAt, &ord.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("store: get order: %w", err)
	}
	ord.State = domain.State(state)
	return ord, nil
}

// AdvanceToPaymentPending is the conditional update: CREATED ->
// PAYMENT_PENDING. It returns ok=false (not an error) when the order was
// not observed in CREATED — either another worker already advanced it,
// or it doesn't exist, and the caller returns
// success without further work.
func (o *Orders) AdvanceToPaymentPending(ctx context.Context, id uuid.UUID) (newVersion int64, ok bool, err error) {
	now := time.Now().UTC()
	res, err := o.q.ExecContext(ctx, `
		UPDATE orders SET state = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4
	`, string(domain.StatePaymentPending), now, id, string(domain.StateCreated))
	if err != nil {
		return 0, false, fmt.Errorf("store: advance to payment_pending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}

	row := o.q.QueryRowContext(ctx, `SELECT version FROM orders WHERE id = $1`, id)
	if err := row.Scan(&newVersion); err != nil {
		return 0, false, fmt.Errorf("store: read version after advance: %w", err)
	}
	return newVersion, true, nil
}

// CommitTerminal is the order-side half of the terminal commit:
// PAYMENT_PENDING -> final, guarded by both state and the optimistic
// version captured earlier. A version mismatch means a peer already won
// this race; the caller writes nothing else in that transaction and
// returns success.
func (o *Orders) CommitTerminal(ctx context.Context, id uuid.UUID, expectedVersion int64, final domain.State) (ok bool, err error) {
	now := time.Now().UTC()
	res, err := o.q.ExecContext(ctx, `
		UPDATE orders SET state = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND state = $4 AND version = $5
	`, string(final), now, id, string(domain.StatePaymentPending), expectedVersion)
	if err != nil {
		return false, fmt.Errorf("store: commit terminal state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected > 0, nil
}

// CountStuckPaymentPending counts orders that have sat in
// PAYMENT_PENDING longer than olderThan — the observability half of a
// mitigation whose sweep-and-retry half is deferred future work.
func (o *Orders) CountStuckPaymentPending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	row := o.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE state = $1 AND updated_at < $2
	`, string(domain.StatePaymentPending), cutoff)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count stuck orders: %w", err)
	}
	return n, nil
}
