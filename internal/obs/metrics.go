// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders submitted via the ingress surface",
	})
	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total number of outbox rows published to the broker",
	})
	OutboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_backlog",
		Help: "Current count of unpublished outbox rows",
	})
	EventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Total number of events the worker applied successfully",
	})
	DuplicatesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_duplicate_skipped_total",
		Help: "Total number of redelivered events skipped by the dedup ledger",
	})
	PaymentsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_succeeded_total",
		Help: "Total number of orders that reached state PAID",
	})
	PaymentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of orders that reached state FAILED",
	})
	EventsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_retried_total",
		Help: "Total number of transient payment retries",
	})
	EventsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_dead_lettered_total",
		Help: "Total number of events that exhausted retries and were dead-lettered",
	})
	EventProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_processing_duration_seconds",
		Help:    "Histogram of S0-S3 handler durations",
		Buckets: prometheus.DefBuckets,
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	StuckPaymentPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orders_stuck_payment_pending",
		Help: "Orders that have sat in PAYMENT_PENDING longer than the configured threshold",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		OrdersCreated,
		OutboxPublished,
		OutboxBacklog,
		EventsProcessed,
		DuplicatesSkipped,
		PaymentsSucceeded,
		PaymentsFailed,
		EventsRetried,
		EventsDeadLettered,
		EventProcessingDuration,
		CircuitBreakerState,
		CircuitBreakerTrips,
		StuckPaymentPending,
		WorkerActive,
	)
}
