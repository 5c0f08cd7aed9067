package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/companionhq/quotaservice/internal/nats"
)

type fakeInserter struct {
	entries []Entry
	err     error
}

func (f *fakeInserter) Insert(_ context.Context, e *Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, *e)
	return nil
}

func TestEntryFromEvent(t *testing.T) {
	userID := uuid.New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	eventID := uuid.New()
	e := EntryFromEvent(inats.QuotaEvent{
		ID:         eventID,
		UserID:     userID,
		QuotaType:  "CHAT_MESSAGES",
		EventType:  inats.QuotaEventConsumed,
		Amount:     2,
		UsedCount:  12,
		LimitCount: 50,
		Timestamp:  ts,
	})

	assert.Equal(t, eventID, e.ID)
	assert.Equal(t, userID, e.UserID)
	assert.Equal(t, "CHAT_MESSAGES", e.QuotaType)
	assert.Equal(t, "consumed", e.EventType)
	assert.Equal(t, 2, e.Amount)
	assert.Equal(t, 12, e.UsedCount)
	assert.Equal(t, 50, e.LimitCount)
	assert.Equal(t, ts, e.CreatedAt)
}

func TestConsumerProcess(t *testing.T) {
	repo := &fakeInserter{}
	c := NewConsumer(repo, nil)

	event := inats.QuotaEvent{
		UserID:     uuid.New(),
		QuotaType:  "CHAT_IMAGE_GENERATION",
		EventType:  inats.QuotaEventExceeded,
		Amount:     1,
		UsedCount:  5,
		LimitCount: 5,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, c.process(context.Background(), data))
	require.Len(t, repo.entries, 1)
	assert.Equal(t, event.UserID, repo.entries[0].UserID)
	assert.Equal(t, "exceeded", repo.entries[0].EventType)
}

func TestConsumerProcess_RedeliveryKeepsEventID(t *testing.T) {
	repo := &fakeInserter{}
	c := NewConsumer(repo, nil)

	data, err := json.Marshal(inats.QuotaEvent{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		QuotaType: "CHAT_MESSAGES",
		EventType: inats.QuotaEventConsumed,
		Amount:    1,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, c.process(context.Background(), data))
	require.NoError(t, c.process(context.Background(), data))
	require.Len(t, repo.entries, 2)
	assert.Equal(t, repo.entries[0].ID, repo.entries[1].ID)
}

func TestConsumerProcess_BadPayload(t *testing.T) {
	repo := &fakeInserter{}
	c := NewConsumer(repo, nil)

	err := c.process(context.Background(), []byte("{not json"))
	require.Error(t, err)
	assert.Empty(t, repo.entries)
}

func TestConsumerProcess_InsertFailure(t *testing.T) {
	repo := &fakeInserter{err: errors.New("connection refused")}
	c := NewConsumer(repo, nil)

	data, err := json.Marshal(inats.QuotaEvent{UserID: uuid.New(), EventType: inats.QuotaEventReset})
	require.NoError(t, err)

	err = c.process(context.Background(), data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting reset event")
}

func TestBuildFilter(t *testing.T) {
	userID := uuid.New()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	where, args := buildFilter(userID, ListParams{QuotaType: "CHAT_MESSAGES", From: &from})

	assert.Equal(t, "user_id = $1 AND quota_type = $2 AND created_at >= $3", where)
	assert.Equal(t, []any{userID, "CHAT_MESSAGES", from}, args)
}

func TestNormalize(t *testing.T) {
	p := normalize(ListParams{Page: 0, PageSize: 500})
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PageSize)

	p = normalize(ListParams{Page: 3, PageSize: 50})
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, 50, p.PageSize)
}
