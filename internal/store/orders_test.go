package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ordermesh/payment-pipeline/internal/domain"
	"github.com/ordermesh/payment-pipeline/internal/money"
)

func newTestOrder(t *testing.T) domain.Order {
	t.Helper()
	amt, err := money.NewAmount(42.50)
	require.NoError(t, err)
	return domain.New(uuid.New(), amt)
}

func TestOrders_InsertAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()
	orders := NewOrders(db)

	ord := newTestOrder(t)
	require.NoError(t, orders.Insert(ctx, ord))

	got, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, ord.ID, got.ID)
	require.Equal(t, domain.StateCreated, got.State)
	require.Equal(t, int64(0), got.Version)
}

func TestOrders_Get_NotFound(t *testing.T) {
	db := openTestDB(t)
	orders := NewOrders(db)

	_, err := orders.Get(t.Context(), uuid.New())
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrders_AdvanceToPaymentPending(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()
	orders := NewOrders(db)

	ord := newTestOrder(t)
	require.NoError(t, orders.Insert(ctx, ord))

	newVersion, ok, err := orders.AdvanceToPaymentPending(ctx, ord.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), newVersion)

	got, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaymentPending, got.State)
}

func TestOrders_AdvanceToPaymentPending_NotCreated(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()
	orders := NewOrders(db)

	ord := newTestOrder(t)
	require.NoError(t, orders.Insert(ctx, ord))
	_, _, err := orders.AdvanceToPaymentPending(ctx, ord.ID)
	require.NoError(t, err)

	// Second attempt observes PAYMENT_PENDING, not CREATED: no-op, no error.
	_, ok, err := orders.AdvanceToPaymentPending(ctx, ord.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOrders_CommitTerminal_VersionMismatchIsNotAnError(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()
	orders := NewOrders(db)

	ord := newTestOrder(t)
	require.NoError(t, orders.Insert(ctx, ord))
	version, ok, err := orders.AdvanceToPaymentPending(ctx, ord.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Using a stale version simulates a peer already having committed.
	committed, err := orders.CommitTerminal(ctx, ord.ID, version+1, domain.StatePaid)
	require.NoError(t, err)
	require.False(t, committed)

	committed, err = orders.CommitTerminal(ctx, ord.ID, version, domain.StatePaid)
	require.NoError(t, err)
	require.True(t, committed)

	got, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaid, got.State)
}

func TestOrders_CountStuckPaymentPending(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()
	orders := NewOrders(db)

	ord := newTestOrder(t)
	require.NoError(t, orders.Insert(ctx, ord))
	_, _, err := orders.AdvanceToPaymentPending(ctx, ord.ID)
	require.NoError(t, err)

	n, err := orders.CountStuckPaymentPending(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
