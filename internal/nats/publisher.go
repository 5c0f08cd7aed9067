package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishQuotaEvent publishes a quota event on quota.events.{event_type}.
// The event ID doubles as the JetStream message ID, so the stream drops
// duplicate publishes within its dedupe window.
func (p *Publisher) PublishQuotaEvent(ctx context.Context, event QuotaEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return p.publish(ctx, QuotaEventSubject(event.EventType), event, jetstream.WithMsgID(event.ID.String()))
}

// QuotaEventSubject returns the subject a quota event of eventType is published on.
func QuotaEventSubject(eventType string) string {
	return fmt.Sprintf("%s.%s", SubjectQuotaEventPrefix, eventType)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
