package relay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ordermesh/payment-pipeline/internal/broker"
	"github.com/ordermesh/payment-pipeline/internal/store"
)

// sqliteDDL is the outbox-only slice of store's reference schema, with
// SQLite-friendly type affinities (same trick as store_test.go).
const sqliteDDL = `
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
`

func openTestOutbox(t *testing.T) *store.Outbox {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:?_foreign_keys=on&cache=shared", 1, 1)
	require.NoError(t, err)
	_, err = db.ExecContext(t.Context(), sqliteDDL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewOutbox(db)
}

func testRelay(t *testing.T, outbox *store.Outbox, pub broker.Publisher) *Relay {
	t.Helper()
	log := zap.NewNop()
	return New(outbox, pub, log, Config{
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		RetryBackoff: 10 * time.Millisecond,
	})
}

func TestRelay_PublishesUnpublishedRowsAndMarksThem(t *testing.T) {
	outbox := openTestOutbox(t)
	ctx := t.Context()

	aggID := uuid.New()
	rec := store.OutboxRecord{
		EventID:       uuid.New(),
		AggregateType: "order",
		AggregateID:   aggID,
		EventType:     broker.EventOrderCreated,
		Payload:       []byte(`{"orderId":"` + aggID.String() + `"}`),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, outbox.Insert(ctx, rec))

	mem := broker.NewMemoryBroker()
	r := testRelay(t, outbox, mem)

	pending, err := outbox.SelectUnpublished(ctx, 10)
	require.NoError(t, err)
	require.True(t, r.publishBatch(ctx, pending))

	sub := mem.Subscriber(broker.Shard(aggID.String()))
	deliveries, err := sub.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, rec.EventID, deliveries[0].Envelope.EventID)

	after, err := outbox.SelectUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, after)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(ctx context.Context, env broker.Envelope) error { return f.err }
func (f failingPublisher) Close() error                                          { return nil }

func TestRelay_PublishBatch_AbortsOnPublishError(t *testing.T) {
	outbox := openTestOutbox(t)
	ctx := t.Context()

	aggID := uuid.New()
	rec := store.OutboxRecord{
		EventID:       uuid.New(),
		AggregateType: "order",
		AggregateID:   aggID,
		EventType:     broker.EventOrderCreated,
		Payload:       []byte(`{}`),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, outbox.Insert(ctx, rec))

	r := testRelay(t, outbox, failingPublisher{err: context.DeadlineExceeded})
	pending, err := outbox.SelectUnpublished(ctx, 10)
	require.NoError(t, err)
	require.False(t, r.publishBatch(ctx, pending))

	// row stays unpublished for the next tick to retry.
	after, err := outbox.SelectUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
}

func TestRelay_Run_StopsOnContextCancellation(t *testing.T) {
	outbox := openTestOutbox(t)
	mem := broker.NewMemoryBroker()
	r := testRelay(t, outbox, mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx)
	require.Error(t, err)
}
