package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/companionhq/quotaservice/internal/metrics"
	inats "github.com/companionhq/quotaservice/internal/nats"
)

const consumerName = "quota-event-persister"

// Inserter persists event log entries.
type Inserter interface {
	Insert(ctx context.Context, e *Entry) error
}

// Consumer listens on the quota event subjects and persists entries to the database.
type Consumer struct {
	repo        Inserter
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new quota event Consumer.
func NewConsumer(repo Inserter, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamQuotaEvents, consumerName, inats.SubjectQuotaEventAll)
	if err != nil {
		return err
	}

	slog.Info("quota event consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("quota event consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			if err := c.process(ctx, msg.Data()); err != nil {
				slog.Error("quota event consumer: handling event", "error", err, "subject", msg.Subject())
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, data []byte) error {
	var event inats.QuotaEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("unmarshaling event: %w", err)
	}

	entry := EntryFromEvent(event)
	if err := c.repo.Insert(ctx, &entry); err != nil {
		return fmt.Errorf("persisting %s event: %w", event.EventType, err)
	}

	metrics.QuotaEventsPersistedTotal.WithLabelValues(event.EventType).Inc()
	slog.Debug("quota event consumer: persisted event",
		"event_type", event.EventType,
		"user_id", event.UserID,
		"quota_type", event.QuotaType,
	)
	return nil
}

// EntryFromEvent converts a published quota event into a log entry. The entry
// keeps the event's ID so a redelivered event maps onto the same row.
func EntryFromEvent(event inats.QuotaEvent) Entry {
	return Entry{
		ID:         event.ID,
		UserID:     event.UserID,
		QuotaType:  event.QuotaType,
		EventType:  event.EventType,
		Amount:     event.Amount,
		UsedCount:  event.UsedCount,
		LimitCount: event.LimitCount,
		CreatedAt:  event.Timestamp,
	}
}
