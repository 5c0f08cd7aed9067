package events

import (
	"time"

	"github.com/google/uuid"
)

// Entry matches the quota_events table schema.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	QuotaType  string    `json:"quota_type"`
	EventType  string    `json:"event_type"`
	Amount     int       `json:"amount"`
	UsedCount  int       `json:"used_count"`
	LimitCount int       `json:"limit_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for event log queries.
type ListParams struct {
	QuotaType string
	EventType string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}

// Page is one page of event log entries.
type Page struct {
	Entries  []Entry `json:"entries"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}
