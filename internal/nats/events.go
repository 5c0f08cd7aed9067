package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamQuotaEvents = "QUOTA_EVENTS"
)

// Subject constants.
const (
	SubjectQuotaEventPrefix = "quota.events" // quota.events.{event_type}
	SubjectQuotaEventAll    = "quota.events.>"
)

// Quota event types.
const (
	QuotaEventConsumed = "consumed"
	QuotaEventExceeded = "exceeded"
	QuotaEventReset    = "reset"
)

// QuotaEvent is published whenever a quota record is consumed, refused or reset.
// ID is stable across redeliveries and keys the persisted entry.
type QuotaEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	QuotaType  string    `json:"quota_type"`
	EventType  string    `json:"event_type"`
	Amount     int       `json:"amount"`
	UsedCount  int       `json:"used_count"`
	LimitCount int       `json:"limit_count"`
	Timestamp  time.Time `json:"timestamp"`
}
