// Package realtime hands event envelopes to the broker for fan-out.
//
// Publishing is best-effort: a result reports whether the broker accepted the
// handoff, never whether any subscriber received the event.
package realtime

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"go-relay/internal/broker"
	"go-relay/internal/metrics"
	"go-relay/internal/models"
)

// PublishResult is the outcome of handing one event to the broker.
type PublishResult struct {
	Channel string
	Type    models.EventType
	Err     error
}

func (r PublishResult) OK() bool { return r.Err == nil }

// EventPublisher is what the messaging service and the gateway publish through.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event models.Event) PublishResult
	Broadcast(ctx context.Context, channels []string, event models.Event) []PublishResult
}

type Publisher struct {
	broker  broker.Broker
	metrics *metrics.Metrics
}

func NewPublisher(b broker.Broker, m *metrics.Metrics) *Publisher {
	return &Publisher{broker: b, metrics: m}
}

func (p *Publisher) Publish(ctx context.Context, channel string, event models.Event) PublishResult {
	result := PublishResult{Channel: channel, Type: event.Type}

	payload, err := json.Marshal(event)
	if err != nil {
		result.Err = fmt.Errorf("marshal %s event: %w", event.Type, err)
	} else if err := p.broker.Publish(ctx, channel, payload); err != nil {
		result.Err = fmt.Errorf("publish %s to %s: %w", event.Type, channel, err)
	}

	p.metrics.RecordPublish(string(event.Type), result.OK())
	return result
}

// Broadcast publishes the same event to several channels, one result each.
func (p *Publisher) Broadcast(ctx context.Context, channels []string, event models.Event) []PublishResult {
	results := make([]PublishResult, 0, len(channels))
	for _, ch := range channels {
		results = append(results, p.Publish(ctx, ch, event))
	}
	return results
}

// FirstError returns the first failed result's error, or nil.
func FirstError(results []PublishResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
