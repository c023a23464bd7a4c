package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ordermesh/payment-pipeline/internal/obs"
)

// counterEvent tags one increment sent to the counters goroutine.
type counterEvent int

const (
	evtProcessed counterEvent = iota
	evtDuplicate
	evtPaymentSuccess
	evtPaymentFailed
	evtRetried
	evtDLQ
)

// counters is a value owned by a single goroutine, mutated only from
// that goroutine, and snapshotted by the metrics timer. Every shard
// goroutine reports through the channel instead of touching shared
// memory directly.
type counters struct {
	events chan counterEvent
	snap   chan chan snapshot
}

type snapshot struct {
	EventsProcessed   int64
	DuplicatesSkipped int64
	PaymentsSuccess   int64
	PaymentsFailed    int64
	RetriedEvents     int64
	DLQEvents         int64
}

func newCounters() counters {
	return counters{
		events: make(chan counterEvent, 256),
		snap:   make(chan chan snapshot),
	}
}

// emit reports one occurrence of kind. Never blocks the caller on a
// full channel for long: the channel is large relative to expected
// burst size, and a stalled counters goroutine should not stall message
// processing.
func (c counters) emit(kind counterEvent) {
	select {
	case c.events <- kind:
	default:
	}
}

// run is the single task that owns and mutates the counter state,
// logging a METRICS snapshot every interval.
func (c counters) run(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	var s snapshot
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-c.events:
			switch kind {
			case evtProcessed:
				s.EventsProcessed++
			case evtDuplicate:
				s.DuplicatesSkipped++
			case evtPaymentSuccess:
				s.PaymentsSuccess++
			case evtPaymentFailed:
				s.PaymentsFailed++
			case evtRetried:
				s.RetriedEvents++
			case evtDLQ:
				s.DLQEvents++
			}
		case reply := <-c.snap:
			reply <- s
		case <-ticker.C:
			log.Info("METRICS",
				obs.String("component", "worker"),
				obs.Int("events_processed", int(s.EventsProcessed)),
				obs.Int("duplicates_skipped", int(s.DuplicatesSkipped)),
				obs.Int("payments_success", int(s.PaymentsSuccess)),
				obs.Int("payments_failed", int(s.PaymentsFailed)),
				obs.Int("retried_events", int(s.RetriedEvents)),
				obs.Int("dlq_events", int(s.DLQEvents)))
		}
	}
}

// Snapshot returns the current counter values, for tests and any
// caller that wants the numbers without waiting for the next log line.
func (c counters) Snapshot(ctx context.Context) snapshot {
	reply := make(chan snapshot, 1)
	select {
	case c.snap <- reply:
	case <-ctx.Done():
		return snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return snapshot{}
	}
}
