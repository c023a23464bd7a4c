package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process fake satisfying Publisher and handing
// out per-shard Subscribers, used by relay/worker unit tests in place
// of a live NATS JetStream cluster.
type MemoryBroker struct {
	mu     sync.Mutex
	shards map[int][]Envelope
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{shards: make(map[int][]Envelope)}
}

func (b *MemoryBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	shard := Shard(env.AggregateID.String())
	b.shards[shard] = append(b.shards[shard], env)
	return nil
}

func (b *MemoryBroker) Close() error { return nil }

// Subscriber returns a Subscriber bound to one shard of this broker's
// in-memory queues.
func (b *MemoryBroker) Subscriber(shard int) *MemorySubscriber {
	return &MemorySubscriber{broker: b, shard: shard}
}

// MemorySubscriber is the Subscriber side of MemoryBroker.
type MemorySubscriber struct {
	broker *MemoryBroker
	shard  int
}

func (s *MemorySubscriber) Fetch(ctx context.Context, maxMessages int) ([]Delivery, error) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	queue := s.broker.shards[s.shard]
	if len(queue) == 0 {
		return nil, nil
	}
	n := maxMessages
	if n > len(queue) {
		n = len(queue)
	}
	batch := queue[:n]
	s.broker.shards[s.shard] = queue[n:]

	deliveries := make([]Delivery, 0, len(batch))
	for _, env := range batch {
		deliveries = append(deliveries, Delivery{
			Ctx:      ctx,
			Envelope: env,
			Ack:      func() error { return nil },
			Nak:      func() error { return nil },
		})
	}
	return deliveries, nil
}

func (s *MemorySubscriber) Close() error { return nil }
