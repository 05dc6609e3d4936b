// Package pubsub implements a Google Cloud Pub/Sub batch notifier.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EventAttribute carries the event name on every published message.
const EventAttribute = "event"

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) { pub.propagator = p }
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, opts ...Option) *Publisher {
	p := &Publisher{topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals the payload to JSON and publishes it to the topic. The
// event name and the caller's trace context travel as message attributes.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := map[string]string{EventAttribute: event}
	p.textMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}
