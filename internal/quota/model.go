package quota

import (
	"time"

	"github.com/google/uuid"
)

// Type is the category of a gated resource.
type Type string

const (
	TypeProfileImage Type = "PROFILE_IMAGE_GENERATION"
	TypeChatMessages Type = "CHAT_MESSAGES"
	TypeChatImage    Type = "CHAT_IMAGE_GENERATION"
)

// AllTypes lists every quota type in display order.
var AllTypes = []Type{TypeProfileImage, TypeChatMessages, TypeChatImage}

// ParseType returns the Type for s, or false if s names no known type.
func ParseType(s string) (Type, bool) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Valid reports whether t is a known quota type.
func (t Type) Valid() bool {
	_, ok := ParseType(string(t))
	return ok
}

// Record matches the quota_records table schema.
type Record struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	QuotaType   Type       `json:"quota_type"`
	UsedCount   int        `json:"used_count"`
	LimitCount  int        `json:"limit_count"`
	LastResetAt *time.Time `json:"last_reset_at,omitempty"`
	NextResetAt *time.Time `json:"next_reset_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Remaining returns the headroom left on the record, never negative.
func (r Record) Remaining() int {
	if r.UsedCount >= r.LimitCount {
		return 0
	}
	return r.LimitCount - r.UsedCount
}

// Display is the read projection of a Record returned to callers.
// It is computed on every read and never stored.
type Display struct {
	Type         Type       `json:"type"`
	Used         int        `json:"used"`
	Limit        int        `json:"limit"`
	Remaining    int        `json:"remaining"`
	CanUse       bool       `json:"canUse"`
	NextResetAt  *time.Time `json:"nextResetAt,omitempty"`
	ResetInHours *int       `json:"resetInHours,omitempty"`
	Percentage   float64    `json:"percentage"`
}

// ConsumeRequest asks to consume Amount units of QuotaType for UserID.
// QuotaType is kept as the raw caller string so that missing and unknown
// types can be told apart.
type ConsumeRequest struct {
	UserID    uuid.UUID
	QuotaType string
	Amount    int
}

// ConsumeResult is the outcome of a consume call that reached the store.
// A false Success with Code QUOTA_EXCEEDED is an ordinary result, not an error.
type ConsumeResult struct {
	Success      bool       `json:"success"`
	QuotaType    Type       `json:"quota_type"`
	Used         int        `json:"used"`
	Limit        int        `json:"limit"`
	Remaining    int        `json:"remaining"`
	Message      string     `json:"message"`
	Code         Code       `json:"error_code,omitempty"`
	NextResetAt  *time.Time `json:"next_reset_at,omitempty"`
	ResetInHours *int       `json:"reset_in_hours,omitempty"`
}
