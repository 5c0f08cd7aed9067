package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "quota:record:"
	maxTxAttempts   = 16
)

// RedisStore keeps each record in a hash and makes every unit of work an
// optimistic WATCH/MULTI/EXEC transaction, retried when a concurrent writer
// touches one of the watched keys.
type RedisStore struct {
	rdb redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func recordKey(userID uuid.UUID, t Type) string {
	return recordKeyPrefix + userID.String() + ":" + string(t)
}

// Apply runs fn on the record for (userID, seed.QuotaType).
func (s *RedisStore) Apply(ctx context.Context, userID uuid.UUID, seed Record, fn Mutator) (Record, error) {
	recs, err := s.ApplyAll(ctx, userID, []Record{seed}, fn)
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// ApplyAll runs fn on each record named by seeds in one transaction.
func (s *RedisStore) ApplyAll(ctx context.Context, userID uuid.UUID, seeds []Record, fn Mutator) ([]Record, error) {
	keys := make([]string, len(seeds))
	for i, seed := range seeds {
		keys[i] = recordKey(userID, seed.QuotaType)
	}

	var out []Record
	var fnErr error
	txf := func(tx *redis.Tx) error {
		out = out[:0]
		fnErr = nil

		writes := make(map[string]Record)
		for i, seed := range seeds {
			vals, err := tx.HGetAll(ctx, keys[i]).Result()
			if err != nil {
				return err
			}

			var rec Record
			if len(vals) == 0 {
				rec = seed
				rec.ID = uuid.New()
				rec.UserID = userID
				writes[keys[i]] = rec
			} else {
				rec, err = decodeRecord(vals)
				if err != nil {
					return fmt.Errorf("decoding %s: %w", keys[i], err)
				}
			}

			changed, err := fn(&rec)
			if err != nil {
				fnErr = err
				return nil
			}
			if changed {
				if rec.LimitCount <= 0 || rec.UsedCount < 0 || rec.UsedCount > rec.LimitCount {
					fnErr = fmt.Errorf("updating quota record %s: %w", rec.ID, ErrGuardRejected)
					return nil
				}
				writes[keys[i]] = rec
			}
			out = append(out, rec)
		}

		if len(writes) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, rec := range writes {
				pipe.HSet(ctx, key, encodeRecord(rec))
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, storeError("applying quota records", err)
		}
		if fnErr != nil {
			return nil, fnErr
		}
		return out, nil
	}
	return nil, storeError("applying quota records", fmt.Errorf("gave up after %d contended attempts", maxTxAttempts))
}

func encodeRecord(rec Record) map[string]any {
	return map[string]any{
		"id":         rec.ID.String(),
		"user_id":    rec.UserID.String(),
		"quota_type": string(rec.QuotaType),
		"used":       rec.UsedCount,
		"limit":      rec.LimitCount,
		"last_reset": encodeTime(rec.LastResetAt),
		"next_reset": encodeTime(rec.NextResetAt),
		"created_at": rec.CreatedAt.UnixNano(),
		"updated_at": rec.UpdatedAt.UnixNano(),
	}
}

func decodeRecord(vals map[string]string) (Record, error) {
	var rec Record
	var err error

	if rec.ID, err = uuid.Parse(vals["id"]); err != nil {
		return Record{}, fmt.Errorf("id: %w", err)
	}
	if rec.UserID, err = uuid.Parse(vals["user_id"]); err != nil {
		return Record{}, fmt.Errorf("user_id: %w", err)
	}
	rec.QuotaType = Type(vals["quota_type"])
	if rec.UsedCount, err = strconv.Atoi(vals["used"]); err != nil {
		return Record{}, fmt.Errorf("used: %w", err)
	}
	if rec.LimitCount, err = strconv.Atoi(vals["limit"]); err != nil {
		return Record{}, fmt.Errorf("limit: %w", err)
	}
	if rec.LastResetAt, err = decodeTime(vals["last_reset"]); err != nil {
		return Record{}, fmt.Errorf("last_reset: %w", err)
	}
	if rec.NextResetAt, err = decodeTime(vals["next_reset"]); err != nil {
		return Record{}, fmt.Errorf("next_reset: %w", err)
	}
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("created_at: %w", err)
	}
	updated, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("updated_at: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

// Nil timestamps are stored as the empty string.
func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, ns).UTC()
	return &t, nil
}
