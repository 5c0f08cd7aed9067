package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/companionhq/quotaservice/internal/metrics"
	inats "github.com/companionhq/quotaservice/internal/nats"
)

// UserDirectory answers whether a user exists. It is backed by the users table
// owned by the account system.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// EventPublisher receives quota events. Publishing is best-effort.
type EventPublisher interface {
	PublishQuotaEvent(ctx context.Context, event inats.QuotaEvent) error
}

// Service orchestrates quota reads and consumption against a Store.
type Service struct {
	store     Store
	users     UserDirectory
	policies  Policies
	maxAmount int
	events    EventPublisher
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEventPublisher sets where quota events are published.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new quota Service. maxAmount bounds a single consume.
func NewService(store Store, users UserDirectory, policies Policies, maxAmount int, opts ...Option) *Service {
	s := &Service{
		store:     store,
		users:     users,
		policies:  policies,
		maxAmount: maxAmount,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policies returns the configured per-type policies.
func (s *Service) Policies() Policies {
	return s.policies
}

// GetUserQuotas returns the display view of every quota type for the user.
// Missing records are created and due resets are applied and persisted.
func (s *Service) GetUserQuotas(ctx context.Context, userID uuid.UUID) ([]Display, error) {
	if err := s.verifyUser(ctx, userID); err != nil {
		return nil, err
	}

	now := s.now()
	resets := make(map[Type]Record)
	recs, err := s.store.ApplyAll(ctx, userID, s.policies.Seeds(now), func(rec *Record) (bool, error) {
		// A store may rerun the unit after contention; keep only the last run.
		delete(resets, rec.QuotaType)
		out, changed := Reconcile(*rec, now, s.policies[rec.QuotaType])
		if changed && isReset(*rec, now, s.policies[rec.QuotaType]) {
			resets[rec.QuotaType] = out
		}
		*rec = out
		return changed, nil
	})
	if err != nil {
		return nil, s.storeFailure(ctx, "reading quotas", userID, err)
	}

	for _, t := range AllTypes {
		if rec, ok := resets[t]; ok {
			s.onReset(ctx, rec)
		}
	}

	displays := make([]Display, 0, len(recs))
	for _, rec := range recs {
		displays = append(displays, Project(rec, now))
	}
	return displays, nil
}

// Consume atomically consumes req.Amount units. Not fitting in the remaining
// quota is reported in the result with Code QUOTA_EXCEEDED; the returned error
// is a *Error for input, user and infrastructure failures.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if req.QuotaType == "" {
		return ConsumeResult{}, newError(CodeMissingQuotaType, "quota_type is required", nil)
	}
	t, ok := ParseType(req.QuotaType)
	if !ok {
		return ConsumeResult{}, newError(CodeInvalidType, fmt.Sprintf("unknown quota type %q", req.QuotaType), nil)
	}
	policy, ok := s.policies[t]
	if !ok {
		return ConsumeResult{}, newError(CodeInvalidType, fmt.Sprintf("quota type %q is not configured", t), nil)
	}
	if req.Amount < 1 || req.Amount > s.maxAmount {
		return ConsumeResult{}, newError(CodeInvalidAmount, fmt.Sprintf("amount must be between 1 and %d", s.maxAmount), nil)
	}
	if err := s.verifyUser(ctx, req.UserID); err != nil {
		return ConsumeResult{}, err
	}

	now := s.now()
	var (
		reset    bool
		verdict  Verdict
		exceeded bool
	)
	rec, err := s.store.Apply(ctx, req.UserID, policy.Seed(now), func(rec *Record) (bool, error) {
		reset, exceeded = false, false

		out, changed := Reconcile(*rec, now, policy)
		reset = changed && isReset(*rec, now, policy)

		verdict = Validate(out)
		if verdict.Corrupt {
			return false, errCorrupt
		}
		if !CanConsumeAmount(out, req.Amount) {
			exceeded = true
			*rec = out
			return changed, nil
		}

		out.UsedCount += req.Amount
		out.UpdatedAt = now
		*rec = out
		return true, nil
	})
	switch {
	case errors.Is(err, errCorrupt):
		slog.Error("quota: record violates invariants",
			"user_id", req.UserID, "quota_type", t, "reason", verdict.Reason)
		metrics.QuotaConsumeTotal.WithLabelValues(string(t), string(CodeConsumptionFailed)).Inc()
		return ConsumeResult{}, newError(CodeConsumptionFailed, verdict.Reason, nil)
	case err != nil:
		return ConsumeResult{}, s.storeFailure(ctx, "consuming quota", req.UserID, err)
	}

	if rec.UserID != req.UserID || rec.QuotaType != t {
		slog.Error("quota: store returned a record for another key",
			"user_id", req.UserID, "quota_type", t,
			"record_user_id", rec.UserID, "record_quota_type", rec.QuotaType)
		return ConsumeResult{}, newError(CodeStateInconsistent, "quota record does not match request", nil)
	}

	if reset {
		s.onReset(ctx, rec)
	}

	result := ConsumeResult{
		Success:     !exceeded,
		QuotaType:   t,
		Used:        rec.UsedCount,
		Limit:       rec.LimitCount,
		Remaining:   rec.Remaining(),
		NextResetAt: rec.NextResetAt,
	}
	if rec.NextResetAt != nil {
		h := resetInHours(*rec.NextResetAt, now)
		result.ResetInHours = &h
	}

	if exceeded {
		result.Code = CodeQuotaExceeded
		result.Message = exceededMessage(result)
		metrics.QuotaConsumeTotal.WithLabelValues(string(t), string(CodeQuotaExceeded)).Inc()
		slog.Info("quota: exceeded", "user_id", req.UserID, "quota_type", t,
			"requested", req.Amount, "used", rec.UsedCount, "limit", rec.LimitCount)
		s.publish(ctx, rec, inats.QuotaEventExceeded, req.Amount)
		return result, nil
	}

	result.Message = "quota consumed"
	metrics.QuotaConsumeTotal.WithLabelValues(string(t), "OK").Inc()
	slog.Debug("quota: consumed", "user_id", req.UserID, "quota_type", t,
		"amount", req.Amount, "used", rec.UsedCount, "limit", rec.LimitCount)
	s.publish(ctx, rec, inats.QuotaEventConsumed, req.Amount)
	return result, nil
}

var errCorrupt = errors.New("corrupt quota record")

// isReset reports whether reconciling rec at now zeroes its counter.
func isReset(rec Record, now time.Time, p Policy) bool {
	return p.Strategy == StrategyRolling && ShouldAutoReset(rec, now)
}

func exceededMessage(r ConsumeResult) string {
	if r.ResetInHours == nil {
		return fmt.Sprintf("%s limit of %d reached", r.QuotaType, r.Limit)
	}
	return fmt.Sprintf("%s limit of %d reached, resets in %d hours", r.QuotaType, r.Limit, *r.ResetInHours)
}

func (s *Service) verifyUser(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return newError(CodeUserNotFound, "user id is required", nil)
	}
	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		slog.Warn("quota: user verification failed", "user_id", userID, "error", err)
		return newError(CodeVerificationError, "verifying user", err)
	}
	if !exists {
		return newError(CodeUserNotFound, "user not found", nil)
	}
	return nil
}

// storeFailure maps a store error to the caller-facing taxonomy.
func (s *Service) storeFailure(ctx context.Context, op string, userID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return newError(CodeUserNotFound, "user not found", err)
	case errors.Is(err, ErrGuardRejected):
		slog.Error("quota: conditional update rejected", "op", op, "user_id", userID, "error", err)
		return newError(CodeStateInconsistent, op, err)
	case ctx.Err() != nil:
		return newError(CodeDBError, op+": request cancelled", err)
	case errors.Is(err, ErrStore):
		slog.Warn("quota: store failure", "op", op, "user_id", userID, "error", err)
		return newError(CodeDBError, op, err)
	}
	slog.Error("quota: unexpected failure", "op", op, "user_id", userID, "error", err)
	return newError(CodeInternalError, op, err)
}

func (s *Service) onReset(ctx context.Context, rec Record) {
	metrics.QuotaResetsTotal.WithLabelValues(string(rec.QuotaType)).Inc()
	slog.Info("quota: reset applied", "user_id", rec.UserID, "quota_type", rec.QuotaType, "next_reset_at", rec.NextResetAt)
	s.publish(ctx, rec, inats.QuotaEventReset, 0)
}

func (s *Service) publish(ctx context.Context, rec Record, eventType string, amount int) {
	if s.events == nil {
		return
	}
	event := inats.QuotaEvent{
		ID:         uuid.New(),
		UserID:     rec.UserID,
		QuotaType:  string(rec.QuotaType),
		EventType:  eventType,
		Amount:     amount,
		UsedCount:  rec.UsedCount,
		LimitCount: rec.LimitCount,
		Timestamp:  s.now(),
	}
	if err := s.events.PublishQuotaEvent(ctx, event); err != nil {
		slog.Warn("quota: publishing event failed", "event_type", eventType, "user_id", rec.UserID, "error", err)
	}
}
