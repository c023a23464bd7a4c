package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName is the JetStream stream backing every order-events shard.
const StreamName = "ORDER_EVENTS"

// headerEventID carries the envelope's eventId so consumers can recover
// it without unmarshaling the body first.
const (
	headerEventID   = "Event-Id"
	headerEventType = "Event-Type"
)

// JetStreamPublisher publishes envelopes to a sharded NATS JetStream
// subject.
type JetStreamPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewJetStreamPublisher connects to natsURL and ensures the backing
// stream exists, covering every shard subject.
func NewJetStreamPublisher(natsURL string) (*JetStreamPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("orderpipeline-relay"))
	if err != nil {
		return nil, fmt.Errorf("broker: connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: jetstream context: %w", err)
	}
	if err := ensureStream(js); err != nil {
		conn.Close()
		return nil, err
	}
	return &JetStreamPublisher{conn: conn, js: js}, nil
}

func ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + "*"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("broker: create stream %s: %w", StreamName, err)
	}
	return nil
}

// Publish sends env to the subject sharded by its aggregate id,
// returning only once JetStream has acknowledged durable receipt — the
// relay's publish-then-mark-published ordering depends on this.
func (p *JetStreamPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	shard := Shard(env.AggregateID.String())
	msg := &nats.Msg{
		Subject: Subject(shard),
		Data:    body,
		Header:  make(nats.Header),
	}
	msg.Header.Set(headerEventID, env.EventID.String())
	msg.Header.Set(headerEventType, env.EventType)
	InjectTraceHeaders(ctx, msg.Header)

	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", msg.Subject, err)
	}
	return nil
}

func (p *JetStreamPublisher) Close() error {
	p.conn.Close()
	return nil
}

// JetStreamSubscriber pull-consumes one shard's subject through a
// durable consumer, the JetStream analogue of a Kafka consumer-group
// partition assignment.
type JetStreamSubscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	timeout time.Duration
}

// NewJetStreamSubscriber binds durableName to shard's subject. Multiple
// processes using the same durableName+shard share delivery the way a
// Kafka consumer group shares a partition.
func NewJetStreamSubscriber(natsURL, durableName string, shard int, fetchTimeout time.Duration) (*JetStreamSubscriber, error) {
	conn, err := nats.Connect(natsURL, nats.Name("orderpipeline-worker"))
	if err != nil {
		return nil, fmt.Errorf("broker: connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: jetstream context: %w", err)
	}
	if err := ensureStream(js); err != nil {
		conn.Close()
		return nil, err
	}

	subject := Subject(shard)
	sub, err := js.PullSubscribe(subject, fmt.Sprintf("%s-%d", durableName, shard), nats.ManualAck())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: pull subscribe %s: %w", subject, err)
	}
	return &JetStreamSubscriber{conn: conn, sub: sub, timeout: fetchTimeout}, nil
}

// Fetch pulls up to maxMessages from the bound shard, waiting at most
// s.timeout for the first message.
func (s *JetStreamSubscriber) Fetch(ctx context.Context, maxMessages int) ([]Delivery, error) {
	msgs, err := s.sub.Fetch(maxMessages, nats.MaxWait(s.timeout), nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: fetch: %w", err)
	}

	deliveries := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		msg := m
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			// Malformed body: ack to drop it rather than wedge the
			// shard on a message that will never parse.
			_ = msg.Ack()
			continue
		}
		deliveries = append(deliveries, Delivery{
			Ctx:      ExtractTraceContext(ctx, msg.Header),
			Envelope: env,
			Ack:      msg.Ack,
			Nak:      msg.Nak,
		})
	}
	return deliveries, nil
}

func (s *JetStreamSubscriber) Close() error {
	s.conn.Close()
	return nil
}
