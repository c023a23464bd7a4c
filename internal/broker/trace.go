package broker

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// natsHeaderCarrier adapts nats.Header to otel's TextMapCarrier so trace
// context rides in broker message headers instead of the JSON envelope
// body, keeping the wire format in envelope.go untouched. This
// generalizes a header-based trace-ID propagation convention to full W3C
// trace context via otel's propagator.
type natsHeaderCarrier struct {
	h nats.Header
}

func (c natsHeaderCarrier) Get(key string) string {
	return c.h.Get(key)
}

func (c natsHeaderCarrier) Set(key, value string) {
	c.h.Set(key, value)
}

func (c natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceHeaders writes the span context from ctx into h.
func InjectTraceHeaders(ctx context.Context, h nats.Header) {
	otel.GetTextMapPropagator().Inject(ctx, natsHeaderCarrier{h: h})
}

// ExtractTraceContext returns a context carrying the span context found
// in h, or ctx unchanged if h carries none.
func ExtractTraceContext(ctx context.Context, h nats.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, natsHeaderCarrier{h: h})
}
