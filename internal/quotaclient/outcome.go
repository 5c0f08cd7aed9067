package quotaclient

import (
	"fmt"

	"github.com/companionhq/quotaservice/internal/quota"
)

// OutcomeKind classifies a consume attempt from the caller's side.
type OutcomeKind string

const (
	OutcomeConsumed     OutcomeKind = "consumed"
	OutcomeLimitReached OutcomeKind = "limit_reached"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeRetry        OutcomeKind = "retry"
	OutcomeUnknown      OutcomeKind = "unknown"
)

// Outcome is what a gated action checks before proceeding.
type Outcome struct {
	Kind    OutcomeKind
	Message string
	Code    string

	// Result is set when the service answered with a consume result.
	Result *quota.ConsumeResult
	// Snapshot is the read-back taken after an OutcomeUnknown.
	Snapshot *Snapshot
}

// Allowed reports whether the gated action may proceed.
func (o Outcome) Allowed() bool {
	return o.Kind == OutcomeConsumed
}

// Retryable reports whether asking again could change the answer.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeRetry
}

func limitReached(r quota.ConsumeResult) Outcome {
	msg := "limit reached"
	if r.ResetInHours != nil {
		msg = fmt.Sprintf("limit reached, resets in %d hours", *r.ResetInHours)
	}
	return Outcome{
		Kind:    OutcomeLimitReached,
		Message: msg,
		Code:    string(quota.CodeQuotaExceeded),
		Result:  &r,
	}
}
