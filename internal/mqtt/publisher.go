package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/events"
)

// EventPublisher is an events.EventConsumer that forwards every event as
// JSON to the events topic.
type EventPublisher struct {
	client  Client
	topic   string
	timeout time.Duration
}

// NewEventPublisher publishes through client to cfg.EventsTopic().
func NewEventPublisher(client Client, cfg Config) *EventPublisher {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PublishTimeout
	}
	return &EventPublisher{client: client, topic: cfg.EventsTopic(), timeout: timeout}
}

// Name implements events.EventConsumer.
func (p *EventPublisher) Name() string { return "mqtt" }

// ProcessEvent implements events.EventConsumer.
func (p *EventPublisher) ProcessEvent(ev events.Event) error {
	if !p.client.IsConnected() {
		return errors.Newf("event not published, broker not connected").
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("kind", string(ev.Kind)).
			Build()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("kind", string(ev.Kind)).
			Build()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.client.Publish(ctx, p.topic, payload)
}

var _ events.EventConsumer = (*EventPublisher)(nil)
