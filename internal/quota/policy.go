package quota

import (
	"time"

	"github.com/companionhq/quotaservice/internal/config"
)

// Strategy determines whether and how a quota replenishes.
type Strategy string

const (
	// StrategyRolling zeroes the counter one window after the last reset.
	StrategyRolling Strategy = "rolling"
	// StrategyNone never resets; used for lifetime quotas.
	StrategyNone Strategy = "none"
)

// Policy is the configured limit and reset behaviour of one quota type.
type Policy struct {
	Type     Type
	Limit    int
	Strategy Strategy
	Window   time.Duration
}

// Policies maps every quota type to its policy.
type Policies map[Type]Policy

// PoliciesFromConfig builds the per-type policies from configuration.
func PoliciesFromConfig(cfg config.QuotaConfig) Policies {
	build := func(t Type, limit int, strategy string) Policy {
		s := Strategy(strategy)
		if s != StrategyNone {
			s = StrategyRolling
		}
		return Policy{Type: t, Limit: limit, Strategy: s, Window: cfg.ResetWindow}
	}
	return Policies{
		TypeProfileImage: build(TypeProfileImage, cfg.ProfileImageLimit, cfg.ProfileImageStrategy),
		TypeChatMessages: build(TypeChatMessages, cfg.ChatMessagesLimit, cfg.ChatMessagesStrategy),
		TypeChatImage:    build(TypeChatImage, cfg.ChatImageLimit, cfg.ChatImageStrategy),
	}
}

// Seed returns the record a user starts with for this policy.
func (p Policy) Seed(now time.Time) Record {
	rec := Record{
		QuotaType:  p.Type,
		UsedCount:  0,
		LimitCount: p.Limit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Strategy == StrategyRolling {
		last := now
		next := now.Add(p.Window)
		rec.LastResetAt = &last
		rec.NextResetAt = &next
	}
	return rec
}

// Seeds returns a seed record for every type, in display order.
func (ps Policies) Seeds(now time.Time) []Record {
	seeds := make([]Record, 0, len(AllTypes))
	for _, t := range AllTypes {
		if p, ok := ps[t]; ok {
			seeds = append(seeds, p.Seed(now))
		}
	}
	return seeds
}
