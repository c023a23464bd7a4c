// Package worker implements the event worker: a per-shard consumer
// loop that applies a staged handler state machine idempotently,
// retries transient payment failures a bounded number of times, and
// diverts poison events to the dead-letter sink. Each shard runs its
// own goroutine pull-subscribing a JetStream partition, gating the
// payment collaborator behind a breaker.CircuitBreaker, reporting
// Prometheus counters, and logging structured events per stage.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ordermesh/payment-pipeline/internal/breaker"
	"github.com/ordermesh/payment-pipeline/internal/broker"
	"github.com/ordermesh/payment-pipeline/internal/domain"
	"github.com/ordermesh/payment-pipeline/internal/money"
	"github.com/ordermesh/payment-pipeline/internal/obs"
	"github.com/ordermesh/payment-pipeline/internal/payment"
	"github.com/ordermesh/payment-pipeline/internal/store"
)

// WorkerKind scopes the dedup ledger to this consumer pipeline
// specifically.
const WorkerKind = "payment-worker"

// Config carries the worker role's tunables.
type Config struct {
	Shards            []int
	MaxRetries        int
	RetryBackoff      time.Duration
	FetchBatchSize    int
	FetchTimeout      time.Duration
	MetricsInterval   time.Duration
	ReconcileInterval time.Duration
	StuckAfter        time.Duration
}

// Worker is the event worker consuming OrderCreated events and driving
// payment collection to a terminal order state.
type Worker struct {
	db         *store.DB
	orders     *store.Orders
	outbox     *store.Outbox
	processed  *store.ProcessedEvents
	deadLetter *store.DeadLetter
	subscriber func(shard int) (broker.Subscriber, error)
	payments   payment.Service
	cb         *breaker.CircuitBreaker
	log        *zap.Logger
	cfg        Config

	counters counters
}

func New(
	db *store.DB,
	payments payment.Service,
	cb *breaker.CircuitBreaker,
	log *zap.Logger,
	cfg Config,
	subscriberFactory func(shard int) (broker.Subscriber, error),
) *Worker {
	return &Worker{
		db:         db,
		orders:     store.NewOrders(db),
		outbox:     store.NewOutbox(db),
		processed:  store.NewProcessedEvents(db),
		deadLetter: store.NewDeadLetter(db),
		subscriber: subscriberFactory,
		payments:   payments,
		cb:         cb,
		log:        log,
		cfg:        cfg,
		counters:   newCounters(),
	}
}

// Run starts one goroutine per configured shard plus the metrics and
// reconciliation timers, and blocks until ctx is canceled — one
// cooperative task per broker partition.
func (w *Worker) Run(ctx context.Context) error {
	go w.counters.run(ctx, w.cfg.MetricsInterval, w.log)
	go w.reconcileLoop(ctx)

	var wg sync.WaitGroup
	for _, shard := range w.cfg.Shards {
		sub, err := w.subscriber(shard)
		if err != nil {
			return fmt.Errorf("worker: subscribe shard %d: %w", shard, err)
		}
		wg.Add(1)
		obs.WorkerActive.Inc()
		go func(shard int, sub broker.Subscriber) {
			defer wg.Done()
			defer obs.WorkerActive.Dec()
			defer sub.Close()
			w.runShard(ctx, shard, sub)
		}(shard, sub)
	}
	wg.Wait()
	return nil
}

func (w *Worker) runShard(ctx context.Context, shard int, sub broker.Subscriber) {
	for ctx.Err() == nil {
		deliveries, err := sub.Fetch(ctx, w.cfg.FetchBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("worker: fetch failed", obs.Int("shard", shard), obs.Err(err))
			continue
		}
		for _, d := range deliveries {
			w.processDelivery(ctx, shard, d)
		}
	}
}

// processDelivery runs one envelope through dispatch and retry, then
// always acks — the broker offset advances on success, skip, and DLQ
// alike. The consumer only commits an offset after the handler returns.
func (w *Worker) processDelivery(ctx context.Context, shard int, d broker.Delivery) {
	env := d.Envelope
	ctx, span := obs.StartHandlerSpan(d.Ctx, env.EventID.String(), env.EventType, env.AggregateID.String())
	defer span.End()

	start := time.Now()
	defer func() { obs.EventProcessingDuration.Observe(time.Since(start).Seconds()) }()

	w.log.Info("EVENT_RECEIVED",
		obs.String("event_id", env.EventID.String()),
		obs.String("event_type", env.EventType),
		obs.Int("shard", shard))

	if env.EventType != broker.EventOrderCreated {
		// Events other than OrderCreated are logged and acknowledged
		// without effect — there is no second consumer pipeline yet to
		// react to OrderPaid/OrderFailed.
		obs.SetSpanSuccess(ctx)
		if err := d.Ack(); err != nil {
			w.log.Warn("worker: ack failed", obs.Err(err))
		}
		return
	}

	err := w.handleOrderCreated(ctx, env)
	if err != nil {
		w.deadLetterEvent(ctx, env, err)
	}
	obs.SetSpanSuccess(ctx)
	if err := d.Ack(); err != nil {
		w.log.Warn("worker: ack failed", obs.Err(err))
	}
}

// handleOrderCreated runs the dedup-check and state-advance exactly
// once for this delivery, then hands the captured version off to
// runWithRetry so every retry re-attempts payment collection without
// re-running (and short-circuiting on) the state advance.
func (w *Worker) handleOrderCreated(ctx context.Context, env broker.Envelope) error {
	orderID := env.AggregateID

	// Dedup pre-check: advisory only, the terminal commit below holds
	// the binding check.
	dup, err := w.processed.Exists(ctx, env.EventID, WorkerKind)
	if err != nil {
		return &domain.StorageError{Op: "dedup check", Cause: err}
	}
	if dup {
		w.counters.emit(evtDuplicate)
		obs.DuplicatesSkipped.Inc()
		w.log.Info("DUPLICATE_EVENT",
			obs.String("event_id", env.EventID.String()),
			obs.String("order_id", orderID.String()))
		return nil
	}

	var payload broker.OrderCreatedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return &domain.StorageError{Op: "decode payload", Cause: err}
	}
	amount, err := money.ParseAmount(payload.Amount)
	if err != nil {
		return &domain.StorageError{Op: "parse amount", Cause: err}
	}

	// Advance CREATED -> PAYMENT_PENDING. This runs once per delivery —
	// retries below re-attempt payment collection against the version
	// captured here, never this advance again, so a transient payment
	// failure on attempt 1 doesn't strand the order in PAYMENT_PENDING
	// with no further attempts.
	v1, ok, err := w.orders.AdvanceToPaymentPending(ctx, orderID)
	if err != nil {
		return &domain.StorageError{Op: "advance to payment pending", Cause: err}
	}
	if !ok {
		// Already advanced or absent — another delivery of the same
		// event won the race. Treated as success: return without
		// further work.
		return nil
	}
	w.log.Info("STATE_CHANGE",
		obs.String("order_id", orderID.String()),
		obs.String("to", string(domain.StatePaymentPending)))

	return w.runWithRetry(ctx, env, orderID, amount, v1)
}

// runWithRetry attempts payment collection and the terminal commit up
// to MaxRetries times (always at least once) with a fixed inter-attempt
// back-off, all inside the same delivery. A nil return means a terminal
// outcome was reached (success or a race lost to a peer); a non-nil
// return means retries are exhausted, or ctx was canceled during a
// back-off, and the caller dead-letters the event.
func (w *Worker) runWithRetry(ctx context.Context, env broker.Envelope, orderID uuid.UUID, amount money.Amount, v1 int64) error {
	attempts := w.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = w.collectPayment(ctx, env, orderID, amount, v1)
		if lastErr == nil {
			return nil
		}

		obs.RecordError(ctx, lastErr)
		w.log.Error("PROCESSING_ERROR",
			obs.String("event_id", env.EventID.String()),
			obs.Int("attempt", attempt),
			obs.Err(lastErr))

		if attempt == attempts {
			break
		}
		w.counters.emit(evtRetried)
		obs.EventsRetried.Inc()
		w.log.Warn("RETRY_SCHEDULED",
			obs.String("event_id", env.EventID.String()),
			obs.Int("next_attempt", attempt+1),
			obs.String("backoff", w.cfg.RetryBackoff.String()))
		if !sleepCtx(ctx, w.cfg.RetryBackoff) {
			return ctx.Err()
		}
	}
	return lastErr
}

// collectPayment invokes the payment collaborator for orderID, gated by
// the circuit breaker, then commits the terminal state, the follow-up
// outbox row, and the dedup ledger insert in one transaction guarded by
// v1 (the version AdvanceToPaymentPending captured). Each call is one
// attempt; the caller decides whether to retry.
func (w *Worker) collectPayment(ctx context.Context, env broker.Envelope, orderID uuid.UUID, amount money.Amount, v1 int64) error {
	if !w.cb.Allow() {
		return &domain.TransientPaymentError{Cause: fmt.Errorf("circuit breaker open")}
	}
	result, payErr := w.payments.Process(ctx, orderID, amount)
	w.cb.Record(payErr == nil)
	if payErr != nil {
		return payErr
	}
	final := domain.TerminalState(result.Succeeded)
	w.log.Info("PAYMENT_RESULT",
		obs.String("order_id", orderID.String()),
		obs.Bool("succeeded", result.Succeeded))

	// Commit terminal state, follow-up outbox row, and the dedup ledger
	// insert in one transaction.
	outcomeType := broker.EventOrderPaid
	if !result.Succeeded {
		outcomeType = broker.EventOrderFailed
	}
	outcomePayload, err := json.Marshal(broker.OrderOutcomePayload{OrderID: orderID})
	if err != nil {
		return &domain.StorageError{Op: "marshal outcome payload", Cause: err}
	}

	committed := false
	txErr := w.db.WithTransaction(ctx, func(q store.Querier) error {
		orders := store.NewOrders(q)
		ok, err := orders.CommitTerminal(ctx, orderID, v1, final)
		if err != nil {
			return err
		}
		if !ok {
			// Another worker's commit is authoritative; nothing to
			// roll back into existing — leave committed=false and let
			// the caller treat this as success.
			return nil
		}
		committed = true

		outbox := store.NewOutbox(q)
		if err := outbox.Insert(ctx, store.OutboxRecord{
			EventID:       uuid.New(),
			AggregateType: "order",
			AggregateID:   orderID,
			EventType:     outcomeType,
			Payload:       outcomePayload,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}

		processed := store.NewProcessedEvents(q)
		if err := processed.Insert(ctx, env.EventID, WorkerKind); err != nil {
			if store.IsUniqueViolation(err) {
				return nil
			}
			return err
		}
		return nil
	})
	if txErr != nil {
		return &domain.StorageError{Op: "commit terminal", Cause: txErr}
	}

	if committed {
		w.counters.emit(evtProcessed)
		obs.EventsProcessed.Inc()
		if result.Succeeded {
			w.counters.emit(evtPaymentSuccess)
			obs.PaymentsSucceeded.Inc()
		} else {
			w.counters.emit(evtPaymentFailed)
			obs.PaymentsFailed.Inc()
		}
		w.log.Info("STATE_CHANGE",
			obs.String("order_id", orderID.String()),
			obs.String("to", string(final)))
	}
	return nil
}

// deadLetterEvent records a poison event after retries are exhausted.
// A failure to insert the DLQ row is logged but does not change the
// caller's behavior — the event is already lost from the normal
// pipeline, and blocking the partition on it helps nothing.
func (w *Worker) deadLetterEvent(ctx context.Context, env broker.Envelope, cause error) {
	rec := store.DeadLetterRecord{
		EventID:    env.EventID,
		WorkerKind: WorkerKind,
		Payload:    mustMarshalEnvelope(env),
		LastError:  cause.Error(),
		Attempts:   0,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.deadLetter.Insert(ctx, rec); err != nil {
		w.log.Error("worker: failed to insert dead letter row",
			obs.String("event_id", env.EventID.String()), obs.Err(err))
		return
	}
	w.counters.emit(evtDLQ)
	obs.EventsDeadLettered.Inc()
	w.log.Error("DLQ_EVENT",
		obs.String("event_id", env.EventID.String()),
		obs.String("event_type", env.EventType),
		obs.Err(cause))
}

func mustMarshalEnvelope(env broker.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// reconcileLoop periodically samples the count of orders stuck in
// PAYMENT_PENDING — an observability signal only; actually sweeping
// and retrying stuck orders is deferred future work.
func (w *Worker) reconcileLoop(ctx context.Context) {
	if w.cfg.ReconcileInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.orders.CountStuckPaymentPending(ctx, w.cfg.StuckAfter)
			if err != nil {
				w.log.Warn("worker: reconcile query failed", obs.Err(err))
				continue
			}
			obs.StuckPaymentPending.Set(float64(n))
		}
	}
}

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
