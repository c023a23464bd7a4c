package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ordermesh/payment-pipeline/internal/breaker"
	"github.com/ordermesh/payment-pipeline/internal/broker"
	"github.com/ordermesh/payment-pipeline/internal/domain"
	"github.com/ordermesh/payment-pipeline/internal/money"
	"github.com/ordermesh/payment-pipeline/internal/payment"
	"github.com/ordermesh/payment-pipeline/internal/store"
)

const sqliteDDL = `
CREATE TABLE orders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	state TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	published_at DATETIME
);
CREATE TABLE processed_events (
	event_id TEXT NOT NULL,
	worker_kind TEXT NOT NULL,
	processed_at DATETIME NOT NULL,
	PRIMARY KEY (event_id, worker_kind)
);
CREATE TABLE dead_letter_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	worker_kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	last_error TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (event_id, worker_kind)
);
`

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:?_foreign_keys=on&cache=shared", 1, 1)
	require.NoError(t, err)
	_, err = db.ExecContext(t.Context(), sqliteDDL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestWorker(t *testing.T, pay *stubPayment) (*Worker, *store.Orders) {
	t.Helper()
	db := openTestDB(t)
	cb := breaker.New(time.Minute, time.Second, 0.5, 100)
	cfg := Config{
		Shards:          []int{0},
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
		FetchBatchSize:  10,
		FetchTimeout:    10 * time.Millisecond,
		MetricsInterval: time.Hour,
	}
	w := New(db, pay, cb, zap.NewNop(), cfg, func(shard int) (broker.Subscriber, error) {
		return nil, nil
	})
	return w, store.NewOrders(db)
}

// stubPayment is a scripted payment.Service for handler-level tests.
type stubPayment struct {
	succeeded bool
	err       error
	calls     int
}

func (s *stubPayment) Process(ctx context.Context, orderID uuid.UUID, amount money.Amount) (payment.Result, error) {
	s.calls++
	if s.err != nil {
		return payment.Result{}, s.err
	}
	return payment.Result{Succeeded: s.succeeded}, nil
}

func newOrderCreatedEnvelope(t *testing.T, orderID, userID uuid.UUID, amount money.Amount) broker.Envelope {
	t.Helper()
	payload, err := json.Marshal(broker.OrderCreatedPayload{OrderID: orderID, UserID: userID, Amount: amount.String()})
	require.NoError(t, err)
	return broker.Envelope{
		EventID:       uuid.New(),
		EventType:     broker.EventOrderCreated,
		AggregateType: "order",
		AggregateID:   orderID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestHandleOrderCreated_PaymentSucceeds_ReachesPaid(t *testing.T) {
	pay := &stubPayment{succeeded: true}
	w, orders := newTestWorker(t, pay)
	ctx := t.Context()

	userID := uuid.New()
	amt, err := money.NewAmount(19.99)
	require.NoError(t, err)
	ord := domain.New(userID, amt)
	require.NoError(t, orders.Insert(ctx, ord))

	env := newOrderCreatedEnvelope(t, ord.ID, userID, amt)
	require.NoError(t, w.handleOrderCreated(ctx, env))

	got, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaid, got.State)
	require.Equal(t, int64(2), got.Version)

	rows, err := w.outbox.SelectUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, broker.EventOrderPaid, rows[0].EventType)

	exists, err := w.processed.Exists(ctx, env.EventID, WorkerKind)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestHandleOrderCreated_PaymentFails_ReachesFailed(t *testing.T) {
	pay := &stubPayment{succeeded: false}
	w, orders := newTestWorker(t, pay)
	ctx := t.Context()

	userID := uuid.New()
	amt, _ := money.NewAmount(5.00)
	ord := domain.New(userID, amt)
	require.NoError(t, orders.Insert(ctx, ord))

	env := newOrderCreatedEnvelope(t, ord.ID, userID, amt)
	require.NoError(t, w.handleOrderCreated(ctx, env))

	got, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, got.State)
}

func TestHandleOrderCreated_DuplicateDelivery_NoChange(t *testing.T) {
	pay := &stubPayment{succeeded: true}
	w, orders := newTestWorker(t, pay)
	ctx := t.Context()

	userID := uuid.New()
	amt, _ := money.NewAmount(5.00)
	ord := domain.New(userID, amt)
	require.NoError(t, orders.Insert(ctx, ord))

	env := newOrderCreatedEnvelope(t, ord.ID, userID, amt)
	require.NoError(t, w.handleOrderCreated(ctx, env))

	before, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)

	// Replay the same envelope: S0 should short-circuit.
	require.NoError(t, w.handleOrderCreated(ctx, env))

	after, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, before.State, after.State)

	rows, err := w.outbox.SelectUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestHandleOrderCreated_AlreadyAdvanced_ReturnsSuccessWithoutPayment(t *testing.T) {
	pay := &stubPayment{succeeded: true}
	w, orders := newTestWorker(t, pay)
	ctx := t.Context()

	userID := uuid.New()
	amt, _ := money.NewAmount(5.00)
	ord := domain.New(userID, amt)
	require.NoError(t, orders.Insert(ctx, ord))

	// Simulate a peer worker having already advanced the order.
	_, ok, err := orders.AdvanceToPaymentPending(ctx, ord.ID)
	require.NoError(t, err)
	require.True(t, ok)

	env := newOrderCreatedEnvelope(t, ord.ID, userID, amt)
	require.NoError(t, w.handleOrderCreated(ctx, env))
	require.Equal(t, 0, pay.calls)
}

func TestRunWithRetry_TransientErrorExhaustsAndReturnsError(t *testing.T) {
	pay := &stubPayment{err: &domain.TransientPaymentError{Cause: context.DeadlineExceeded}}
	w, orders := newTestWorker(t, pay)
	ctx := t.Context()

	userID := uuid.New()
	amt, _ := money.NewAmount(5.00)
	ord := domain.New(userID, amt)
	require.NoError(t, orders.Insert(ctx, ord))

	env := newOrderCreatedEnvelope(t, ord.ID, userID, amt)
	err := w.handleOrderCreated(ctx, env)
	require.Error(t, err)
	require.Equal(t, w.cfg.MaxRetries, pay.calls)

	got, err := orders.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaymentPending, got.State)
}

func TestDeadLetterEvent_InsertsRowAndIsIdempotent(t *testing.T) {
	pay := &stubPayment{succeeded: true}
	w, _ := newTestWorker(t, pay)
	ctx := t.Context()

	env := newOrderCreatedEnvelope(t, uuid.New(), uuid.New(), moneyAmount(t, 1.23))
	w.deadLetterEvent(ctx, env, context.DeadlineExceeded)
	w.deadLetterEvent(ctx, env, context.DeadlineExceeded)

	n, err := w.deadLetter.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func moneyAmount(t *testing.T, v float64) money.Amount {
	t.Helper()
	amt, err := money.NewAmount(v)
	require.NoError(t, err)
	return amt
}
