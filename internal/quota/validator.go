package quota

import (
	"math"
	"time"
)

// Reasons reported by Validate when consumption is not allowed.
const (
	ReasonExhausted        = "quota exhausted"
	ReasonNegativeUsage    = "used count is negative"
	ReasonNonPositiveLimit = "limit count must be positive"
	ReasonOverLimit        = "used count exceeds limit count"
	ReasonUnknownType      = "unknown quota type"
	ReasonResetOrder       = "last reset is after next reset"
)

// Verdict is the result of validating a record for consumption.
type Verdict struct {
	CanConsume bool
	Reason     string
	// Corrupt is set when the record violates a stored invariant rather than
	// merely being exhausted.
	Corrupt          bool
	ResetAvailableAt *time.Time
}

// sanityReason returns the first invariant rec violates, or "".
func sanityReason(rec Record) string {
	switch {
	case !rec.QuotaType.Valid():
		return ReasonUnknownType
	case rec.LimitCount <= 0:
		return ReasonNonPositiveLimit
	case rec.UsedCount < 0:
		return ReasonNegativeUsage
	case rec.UsedCount > rec.LimitCount:
		return ReasonOverLimit
	case rec.LastResetAt != nil && rec.NextResetAt != nil && rec.LastResetAt.After(*rec.NextResetAt):
		return ReasonResetOrder
	}
	return ""
}

// CanConsume reports whether at least one unit may be consumed from rec.
func CanConsume(rec Record) bool {
	return CanConsumeAmount(rec, 1)
}

// CanConsumeAmount reports whether amount units fit in rec as a whole.
func CanConsumeAmount(rec Record, amount int) bool {
	if amount <= 0 || sanityReason(rec) != "" {
		return false
	}
	return rec.UsedCount+amount <= rec.LimitCount
}

// ShouldAutoReset reports whether rec is due for its lazy reset at now.
func ShouldAutoReset(rec Record, now time.Time) bool {
	return rec.NextResetAt != nil && !now.Before(*rec.NextResetAt)
}

// ComputeNextReset returns rec after a reset at now under policy p.
//
// A rolling reset zeroes the counter, records now as the last reset and moves
// the window forward from its previous schedule by whole windows until it lies
// after now. A record with no schedule starts one at now. Under StrategyNone
// the counts are untouched and the schedule is cleared.
func ComputeNextReset(rec Record, now time.Time, p Policy) Record {
	out := rec
	if p.Strategy == StrategyNone || p.Window <= 0 {
		out.NextResetAt = nil
		return out
	}

	var next time.Time
	if rec.NextResetAt == nil {
		next = now.Add(p.Window)
	} else {
		next = *rec.NextResetAt
		if !next.After(now) {
			steps := now.Sub(next)/p.Window + 1
			next = next.Add(steps * p.Window)
		}
	}
	last := now

	out.UsedCount = 0
	out.LastResetAt = &last
	out.NextResetAt = &next
	out.UpdatedAt = now
	return out
}

// Reconcile applies the lazy reset to rec if one is due at now and brings
// its limit in line with p. It returns the record and whether anything
// changed; a record that is neither due nor stale is returned unchanged, so
// reconciling twice is the same as once.
func Reconcile(rec Record, now time.Time, p Policy) (Record, bool) {
	out, changed := reconcileSchedule(rec, now, p)
	if p.Limit > 0 && out.LimitCount != p.Limit && sanityReason(out) == "" {
		out.LimitCount = p.Limit
		// A lowered limit leaves the user exhausted, not over.
		if out.UsedCount > out.LimitCount {
			out.UsedCount = out.LimitCount
		}
		out.UpdatedAt = now
		changed = true
	}
	return out, changed
}

func reconcileSchedule(rec Record, now time.Time, p Policy) (Record, bool) {
	switch {
	case p.Strategy == StrategyNone && rec.NextResetAt != nil:
		out := rec
		out.NextResetAt = nil
		out.UpdatedAt = now
		return out, true
	case p.Strategy == StrategyRolling && rec.NextResetAt == nil:
		out := rec
		last := now
		next := now.Add(p.Window)
		out.LastResetAt = &last
		out.NextResetAt = &next
		out.UpdatedAt = now
		return out, true
	case ShouldAutoReset(rec, now):
		return ComputeNextReset(rec, now, p), true
	}
	return rec, false
}

// Validate checks rec's invariants and whether one unit can be consumed.
// It never fails; callers branch on the verdict.
func Validate(rec Record) Verdict {
	if reason := sanityReason(rec); reason != "" {
		return Verdict{CanConsume: false, Reason: reason, Corrupt: true, ResetAvailableAt: rec.NextResetAt}
	}
	if rec.UsedCount >= rec.LimitCount {
		return Verdict{CanConsume: false, Reason: ReasonExhausted, ResetAvailableAt: rec.NextResetAt}
	}
	return Verdict{CanConsume: true}
}

// Project computes the display view of rec at now. It does not modify rec.
func Project(rec Record, now time.Time) Display {
	d := Display{
		Type:        rec.QuotaType,
		Used:        rec.UsedCount,
		Limit:       rec.LimitCount,
		Remaining:   rec.Remaining(),
		CanUse:      CanConsume(rec),
		NextResetAt: rec.NextResetAt,
	}
	if rec.LimitCount > 0 {
		d.Percentage = math.Min(100, float64(rec.UsedCount)/float64(rec.LimitCount)*100)
	}
	if rec.NextResetAt != nil {
		h := resetInHours(*rec.NextResetAt, now)
		d.ResetInHours = &h
	}
	return d
}

func resetInHours(next, now time.Time) int {
	d := next.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours()))
}
