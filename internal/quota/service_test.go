package quota

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/companionhq/quotaservice/internal/nats"
)

type fakeUsers struct {
	mu    sync.Mutex
	known map[uuid.UUID]bool
	err   error
}

func newFakeUsers(ids ...uuid.UUID) *fakeUsers {
	u := &fakeUsers{known: make(map[uuid.UUID]bool)}
	for _, id := range ids {
		u.known[id] = true
	}
	return u
}

func (u *fakeUsers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return false, u.err
	}
	return u.known[id], nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []inats.QuotaEvent
	err    error
}

func (p *fakePublisher) PublishQuotaEvent(_ context.Context, e inats.QuotaEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *fakePublisher) ofType(eventType string) []inats.QuotaEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []inats.QuotaEvent
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// countingStore records how often the wrapped store is entered.
type countingStore struct {
	Store
	calls atomic.Int32
}

func (s *countingStore) Apply(ctx context.Context, userID uuid.UUID, seed Record, fn Mutator) (Record, error) {
	s.calls.Add(1)
	return s.Store.Apply(ctx, userID, seed, fn)
}

func (s *countingStore) ApplyAll(ctx context.Context, userID uuid.UUID, seeds []Record, fn Mutator) ([]Record, error) {
	s.calls.Add(1)
	return s.Store.ApplyAll(ctx, userID, seeds, fn)
}

func testPolicies() Policies {
	return Policies{
		TypeProfileImage: rolling(TypeProfileImage, 1),
		TypeChatMessages: rolling(TypeChatMessages, 50),
		TypeChatImage:    rolling(TypeChatImage, 5),
	}
}

type serviceFixture struct {
	svc    *Service
	store  *MemoryStore
	calls  *countingStore
	users  *fakeUsers
	events *fakePublisher
	userID uuid.UUID
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	userID := uuid.New()
	store := NewMemoryStore()
	calls := &countingStore{Store: store}
	users := newFakeUsers(userID)
	events := &fakePublisher{}
	svc := NewService(calls, users, testPolicies(), 10,
		WithEventPublisher(events),
		WithClock(func() time.Time { return testNow }),
	)
	return &serviceFixture{svc: svc, store: store, calls: calls, users: users, events: events, userID: userID}
}

func (f *serviceFixture) stage(t Type, used, limit int, next time.Time) {
	last := next.Add(-testWindow)
	f.store.Put(Record{
		UserID:      f.userID,
		QuotaType:   t,
		UsedCount:   used,
		LimitCount:  limit,
		LastResetAt: &last,
		NextResetAt: &next,
		CreatedAt:   testNow.Add(-72 * time.Hour),
		UpdatedAt:   testNow.Add(-3 * time.Hour),
	})
}

func (f *serviceFixture) consume(t Type, amount int) (ConsumeResult, error) {
	return f.svc.Consume(context.Background(), ConsumeRequest{UserID: f.userID, QuotaType: string(t), Amount: amount})
}

func TestConsume_ScenarioA_SingleUseQuota(t *testing.T) {
	f := newFixture(t)

	res, err := f.consume(TypeProfileImage, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Used)
	assert.Equal(t, 0, res.Remaining)
	assert.Empty(t, res.Code)

	res, err = f.consume(TypeProfileImage, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeQuotaExceeded, res.Code)
	assert.Equal(t, 0, res.Remaining)
	assert.Contains(t, res.Message, "resets in 24 hours")

	rec, ok := f.store.Get(f.userID, TypeProfileImage)
	require.True(t, ok)
	assert.Equal(t, 1, rec.UsedCount)

	assert.Len(t, f.events.ofType(inats.QuotaEventConsumed), 1)
	assert.Len(t, f.events.ofType(inats.QuotaEventExceeded), 1)
	consumed, exceeded := f.events.ofType(inats.QuotaEventConsumed)[0], f.events.ofType(inats.QuotaEventExceeded)[0]
	assert.NotEqual(t, uuid.Nil, consumed.ID)
	assert.NotEqual(t, consumed.ID, exceeded.ID)
}

func TestConsume_ScenarioB_LastMessage(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatMessages, 49, 50, testNow.Add(5*time.Hour))

	res, err := f.consume(TypeChatMessages, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 50, res.Used)
	assert.Equal(t, 0, res.Remaining)

	res, err = f.consume(TypeChatMessages, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeQuotaExceeded, res.Code)
	require.NotNil(t, res.ResetInHours)
	assert.Equal(t, 5, *res.ResetInHours)
}

func TestGetUserQuotas_ScenarioC_DueResetIsApplied(t *testing.T) {
	f := newFixture(t)
	oldNext := testNow.Add(-time.Hour)
	f.stage(TypeChatImage, 5, 5, oldNext)

	displays, err := f.svc.GetUserQuotas(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, displays, 3)
	assert.Equal(t, []Type{TypeProfileImage, TypeChatMessages, TypeChatImage},
		[]Type{displays[0].Type, displays[1].Type, displays[2].Type})

	img := displays[2]
	assert.Equal(t, 0, img.Used)
	assert.Equal(t, 0.0, img.Percentage)
	assert.True(t, img.CanUse)
	require.NotNil(t, img.NextResetAt)
	assert.Equal(t, oldNext.Add(testWindow), *img.NextResetAt)

	rec, ok := f.store.Get(f.userID, TypeChatImage)
	require.True(t, ok)
	assert.Equal(t, 0, rec.UsedCount)
	assert.Equal(t, oldNext.Add(testWindow), *rec.NextResetAt)
	assert.Equal(t, testNow, *rec.LastResetAt)

	resets := f.events.ofType(inats.QuotaEventReset)
	require.Len(t, resets, 1)
	assert.Equal(t, string(TypeChatImage), resets[0].QuotaType)
}

func TestConsume_ScenarioC_ResetBeforeConsume(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatImage, 5, 5, testNow.Add(-time.Hour))

	res, err := f.consume(TypeChatImage, 2)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Used)
	assert.Equal(t, 3, res.Remaining)
	assert.Len(t, f.events.ofType(inats.QuotaEventReset), 1)
}

func TestConsume_ScenarioD_UnknownUser(t *testing.T) {
	f := newFixture(t)
	stranger := uuid.New()

	_, err := f.svc.Consume(context.Background(), ConsumeRequest{UserID: stranger, QuotaType: string(TypeChatMessages), Amount: 1})
	require.Error(t, err)
	assert.Equal(t, CodeUserNotFound, CodeOf(err))
	assert.False(t, CodeOf(err).Retryable())

	_, ok := f.store.Get(stranger, TypeChatMessages)
	assert.False(t, ok, "no record may be created for an unknown user")
	assert.Zero(t, f.calls.calls.Load())
}

func TestConsume_ScenarioE_AmountOutOfRange(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []int{0, -1, 11} {
		_, err := f.consume(TypeChatMessages, amount)
		require.Error(t, err)
		assert.Equal(t, CodeInvalidAmount, CodeOf(err), "amount %d", amount)
	}
	assert.Zero(t, f.calls.calls.Load(), "invalid input must not reach the store")

	res, err := f.consume(TypeChatMessages, 10)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestConsume_InputErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Consume(context.Background(), ConsumeRequest{UserID: f.userID, Amount: 1})
	assert.Equal(t, CodeMissingQuotaType, CodeOf(err))

	_, err = f.svc.Consume(context.Background(), ConsumeRequest{UserID: f.userID, QuotaType: "VIDEO_GENERATION", Amount: 1})
	assert.Equal(t, CodeInvalidType, CodeOf(err))

	_, err = f.svc.Consume(context.Background(), ConsumeRequest{UserID: f.userID, QuotaType: "chat_messages", Amount: 1})
	assert.Equal(t, CodeInvalidType, CodeOf(err), "type names are case sensitive")

	_, err = f.svc.Consume(context.Background(), ConsumeRequest{UserID: uuid.Nil, QuotaType: string(TypeChatMessages), Amount: 1})
	assert.Equal(t, CodeUserNotFound, CodeOf(err))

	assert.Zero(t, f.calls.calls.Load())
}

func TestConsume_OverLimitAmountDoesNotPartiallyConsume(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatImage, 3, 5, testNow.Add(time.Hour))

	res, err := f.consume(TypeChatImage, 3)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeQuotaExceeded, res.Code)
	assert.Equal(t, 2, res.Remaining)

	rec, _ := f.store.Get(f.userID, TypeChatImage)
	assert.Equal(t, 3, rec.UsedCount)
}

func TestConsume_RaisedLimitAppliesToExistingRecord(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatMessages, 20, 20, testNow.Add(5*time.Hour))

	res, err := f.consume(TypeChatMessages, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 21, res.Used)
	assert.Equal(t, 50, res.Limit)
	assert.Equal(t, 29, res.Remaining)

	rec, _ := f.store.Get(f.userID, TypeChatMessages)
	assert.Equal(t, 50, rec.LimitCount)
}

func TestGetUserQuotas_LoweredLimitLeavesUserExhausted(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatImage, 4, 8, testNow.Add(5*time.Hour))

	displays, err := f.svc.GetUserQuotas(context.Background(), f.userID)
	require.NoError(t, err)
	img := displays[2]
	assert.Equal(t, 5, img.Limit)
	assert.Equal(t, 4, img.Used)
	assert.True(t, img.CanUse)

	f.stage(TypeChatImage, 7, 8, testNow.Add(5*time.Hour))
	res, err := f.consume(TypeChatImage, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeQuotaExceeded, res.Code)
	assert.Equal(t, 5, res.Used)
	assert.Equal(t, 5, res.Limit)
}

func TestConsume_VerificationError(t *testing.T) {
	f := newFixture(t)
	f.users.err = errors.New("connection refused")

	_, err := f.consume(TypeChatMessages, 1)
	require.Error(t, err)
	assert.Equal(t, CodeVerificationError, CodeOf(err))
	assert.True(t, CodeOf(err).Retryable())
	assert.Zero(t, f.calls.calls.Load())
}

func TestConsume_CorruptRecord(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatImage, 9, 5, testNow.Add(time.Hour))

	_, err := f.consume(TypeChatImage, 1)
	require.Error(t, err)
	assert.Equal(t, CodeConsumptionFailed, CodeOf(err))

	rec, _ := f.store.Get(f.userID, TypeChatImage)
	assert.Equal(t, 9, rec.UsedCount, "corrupt records are reported, never clamped")
}

type failingStore struct{ err error }

func (s failingStore) Apply(context.Context, uuid.UUID, Record, Mutator) (Record, error) {
	return Record{}, s.err
}

func (s failingStore) ApplyAll(context.Context, uuid.UUID, []Record, Mutator) ([]Record, error) {
	return nil, s.err
}

func TestService_StoreFailures(t *testing.T) {
	userID := uuid.New()
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"io failure", storeError("applying quota records", errors.New("connection reset")), CodeDBError},
		{"user removed", ErrUserNotFound, CodeUserNotFound},
		{"guard rejected", ErrGuardRejected, CodeStateInconsistent},
		{"unexpected", errors.New("boom"), CodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(failingStore{err: tc.err}, newFakeUsers(userID), testPolicies(), 10)

			_, err := svc.Consume(context.Background(), ConsumeRequest{UserID: userID, QuotaType: string(TypeChatMessages), Amount: 1})
			assert.Equal(t, tc.want, CodeOf(err))

			_, err = svc.GetUserQuotas(context.Background(), userID)
			assert.Equal(t, tc.want, CodeOf(err))
		})
	}
}

// mismatchStore returns a record that belongs to another quota type.
type mismatchStore struct{ *MemoryStore }

func (s mismatchStore) Apply(ctx context.Context, userID uuid.UUID, seed Record, fn Mutator) (Record, error) {
	rec, err := s.MemoryStore.Apply(ctx, userID, seed, fn)
	rec.QuotaType = TypeProfileImage
	return rec, err
}

func TestConsume_StateInconsistent(t *testing.T) {
	userID := uuid.New()
	svc := NewService(mismatchStore{NewMemoryStore()}, newFakeUsers(userID), testPolicies(), 10)

	_, err := svc.Consume(context.Background(), ConsumeRequest{UserID: userID, QuotaType: string(TypeChatMessages), Amount: 1})
	assert.Equal(t, CodeStateInconsistent, CodeOf(err))
}

func TestConsume_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("nats down")

	res, err := f.consume(TypeChatMessages, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestConsume_ConcurrentExactlyK(t *testing.T) {
	f := newFixture(t)
	const headroom, callers = 5, 40

	var wg sync.WaitGroup
	var ok, exceeded atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.consume(TypeChatImage, 1)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if res.Success {
				ok.Add(1)
			} else if res.Code == CodeQuotaExceeded {
				exceeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(headroom), ok.Load())
	assert.Equal(t, int32(callers-headroom), exceeded.Load())
	rec, _ := f.store.Get(f.userID, TypeChatImage)
	assert.Equal(t, rec.LimitCount, rec.UsedCount)
}

func TestGetUserQuotas_ConcurrentResetAppliesOnce(t *testing.T) {
	f := newFixture(t)
	oldNext := testNow.Add(-time.Minute)
	f.stage(TypeChatImage, 5, 5, oldNext)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.GetUserQuotas(context.Background(), f.userID); err != nil {
				t.Errorf("get quotas: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := f.store.Get(f.userID, TypeChatImage)
	assert.Equal(t, 0, rec.UsedCount)
	assert.Equal(t, oldNext.Add(testWindow), *rec.NextResetAt)
	assert.Len(t, f.events.ofType(inats.QuotaEventReset), 1)
}

func TestConsume_BoundsHoldForRandomSequences(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		amount := rng.IntN(10) + 1
		res, err := f.consume(TypeChatMessages, amount)
		require.NoError(t, err)

		rec, _ := f.store.Get(f.userID, TypeChatMessages)
		require.GreaterOrEqual(t, rec.UsedCount, 0)
		require.LessOrEqual(t, rec.UsedCount, rec.LimitCount)
		if res.Success {
			assert.Equal(t, rec.UsedCount, res.Used)
		}
	}
}

func TestGetUserQuotas_ReadDoesNotMutateCounts(t *testing.T) {
	f := newFixture(t)
	f.stage(TypeChatMessages, 20, 50, testNow.Add(10*time.Hour))
	before, _ := f.store.Get(f.userID, TypeChatMessages)

	for i := 0; i < 3; i++ {
		_, err := f.svc.GetUserQuotas(context.Background(), f.userID)
		require.NoError(t, err)
	}

	after, _ := f.store.Get(f.userID, TypeChatMessages)
	assert.Equal(t, before, after)
	assert.Empty(t, f.events.ofType(inats.QuotaEventReset))
}

func TestGetUserQuotas_CreatesMissingRecords(t *testing.T) {
	f := newFixture(t)

	displays, err := f.svc.GetUserQuotas(context.Background(), f.userID)
	require.NoError(t, err)

	for _, d := range displays {
		assert.Zero(t, d.Used)
		assert.True(t, d.CanUse)
		require.NotNil(t, d.ResetInHours)
		assert.Equal(t, 24, *d.ResetInHours)
	}
	for _, typ := range AllTypes {
		_, ok := f.store.Get(f.userID, typ)
		assert.True(t, ok, "record for %s", typ)
	}
}

func TestGetUserQuotas_UnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetUserQuotas(context.Background(), uuid.New())
	assert.Equal(t, CodeUserNotFound, CodeOf(err))
	assert.Zero(t, f.calls.calls.Load())
}

func TestConsume_LifetimeQuota(t *testing.T) {
	userID := uuid.New()
	ps := testPolicies()
	ps[TypeProfileImage] = Policy{Type: TypeProfileImage, Limit: 1, Strategy: StrategyNone}
	clock := testNow
	svc := NewService(NewMemoryStore(), newFakeUsers(userID), ps, 10, WithClock(func() time.Time { return clock }))

	res, err := svc.Consume(context.Background(), ConsumeRequest{UserID: userID, QuotaType: string(TypeProfileImage), Amount: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.NextResetAt)

	clock = testNow.Add(30 * 24 * time.Hour)
	res, err = svc.Consume(context.Background(), ConsumeRequest{UserID: userID, QuotaType: string(TypeProfileImage), Amount: 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "PROFILE_IMAGE_GENERATION limit of 1 reached", res.Message)
}
