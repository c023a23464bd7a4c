// Package broker publishes and consumes the outbox wire envelope over
// NATS JetStream: a JetStream context, custom headers carrying
// identifying fields, and subject-based routing.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topic is the logical broker topic every envelope travels on.
// JetStream realizes it as a stream fed by the sharded
// subjects below rather than a single subject, so subscribers can bind
// a durable consumer to one shard at a time.
const Topic = "order-events"

// Envelope is the authoritative wire format every event travels in:
//
//	{ eventId, eventType, aggregateType, aggregateId, payload, createdAt }
//
// Field order and names are part of the contract other systems decode
// against, so json tags are explicit rather than relying on Go's
// exported-field defaults.
type Envelope struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   uuid.UUID       `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// OrderCreatedPayload is the typed payload for EventType "OrderCreated".
type OrderCreatedPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	UserID  uuid.UUID `json:"userId"`
	Amount  string    `json:"amount"`
}

// OrderOutcomePayload is the typed payload for "OrderPaid"/"OrderFailed",
// emitted from the worker's terminal commit.
type OrderOutcomePayload struct {
	OrderID uuid.UUID `json:"orderId"`
}

const (
	EventOrderCreated = "OrderCreated"
	EventOrderPaid    = "OrderPaid"
	EventOrderFailed  = "OrderFailed"
)
