package broker

import (
	"context"
	"hash/fnv"
	"strconv"
)

// Publisher sends an envelope keyed by aggregateId: publish to the
// broker topic order-events with key =
// aggregate_id" instruction. Implementations must not return until the
// broker has acknowledged the write — the relay only marks an outbox
// row published after Publish returns nil.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Delivery is one received message handed to the worker, with the
// means to acknowledge or negatively-acknowledge it. Ctx carries any
// trace context recovered from the message headers (see trace.go).
type Delivery struct {
	Ctx      context.Context
	Envelope Envelope
	Ack      func() error
	Nak      func() error
}

// Subscriber pull-consumes a shard of the order-events log under a
// named durable consumer group, with per-partition offsets.
type Subscriber interface {
	// Fetch blocks until at least one message is available, ctx is
	// canceled, or the poll interval elapses with nothing to return.
	Fetch(ctx context.Context, maxMessages int) ([]Delivery, error)
	Close() error
}

// ShardCount is the number of subject shards order-events is split
// across, emulating Kafka-style per-key partitioning on top of
// JetStream's subject-based routing.
const ShardCount = 8

// Shard maps an aggregate id to a deterministic shard index in
// [0, ShardCount), so every event for the same aggregate lands on the
// same durable consumer and is delivered in order relative to its
// siblings: same key, same partition.
func Shard(aggregateID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % ShardCount)
}

// Subject returns the sharded NATS subject an envelope for aggregateID
// is published to / consumed from.
func Subject(shard int) string {
	return subjectPrefix + strconv.Itoa(shard)
}

const subjectPrefix = "orders.events."
