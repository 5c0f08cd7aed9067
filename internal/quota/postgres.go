package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgForeignKeyViolation = "23503"

const recordColumns = `id, user_id, quota_type, used_count, limit_count,
	last_reset_at, next_reset_at, created_at, updated_at`

// PostgresStore handles quota_records PostgreSQL operations.
// Each unit of work runs in one transaction holding row locks on the
// records it touches.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Apply runs fn on the locked record for (userID, seed.QuotaType).
func (s *PostgresStore) Apply(ctx context.Context, userID uuid.UUID, seed Record, fn Mutator) (Record, error) {
	recs, err := s.ApplyAll(ctx, userID, []Record{seed}, fn)
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// ApplyAll runs fn on each locked record named by seeds within one transaction.
// Rows are locked in seed order, so callers passing types in a fixed order
// cannot deadlock each other.
func (s *PostgresStore) ApplyAll(ctx context.Context, userID uuid.UUID, seeds []Record, fn Mutator) ([]Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeError("beginning quota transaction", err)
	}
	defer tx.Rollback(ctx)

	out := make([]Record, 0, len(seeds))
	for _, seed := range seeds {
		rec, err := lockOrCreate(ctx, tx, userID, seed)
		if err != nil {
			return nil, err
		}

		changed, err := fn(&rec)
		if err != nil {
			return nil, err
		}
		if changed {
			rec, err = update(ctx, tx, rec)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("committing quota transaction", err)
	}
	return out, nil
}

// ListByUser returns the user's stored records without locking or creating any.
func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM quota_records WHERE user_id = $1 ORDER BY quota_type`, userID)
	if err != nil {
		return nil, storeError("querying quota records", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeError("scanning quota record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterating quota records", err)
	}
	return recs, nil
}

func lockOrCreate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, seed Record) (Record, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO quota_records (id, user_id, quota_type, used_count, limit_count, last_reset_at, next_reset_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, quota_type) DO NOTHING`,
		uuid.New(), userID, string(seed.QuotaType), seed.UsedCount, seed.LimitCount, seed.LastResetAt, seed.NextResetAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return Record{}, fmt.Errorf("ensuring quota record: %w", ErrUserNotFound)
		}
		return Record{}, storeError("ensuring quota record", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM quota_records
		 WHERE user_id = $1 AND quota_type = $2
		 FOR UPDATE`, userID, string(seed.QuotaType))
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, storeError("locking quota record", err)
	}
	return rec, nil
}

func update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	// The count guard keeps the invariant even if a caller bypassed the validator.
	row := tx.QueryRow(ctx,
		`UPDATE quota_records
		 SET used_count = $2,
		     last_reset_at = $3,
		     next_reset_at = $4,
		     limit_count = $5,
		     updated_at = NOW()
		 WHERE id = $1 AND $5 > 0 AND $2 >= 0 AND $2 <= $5
		 RETURNING `+recordColumns,
		rec.ID, rec.UsedCount, rec.LastResetAt, rec.NextResetAt, rec.LimitCount)
	updated, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("updating quota record %s: %w", rec.ID, ErrGuardRejected)
	}
	if err != nil {
		return Record{}, storeError("updating quota record", err)
	}
	return updated, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var typ string
	err := row.Scan(&rec.ID, &rec.UserID, &typ, &rec.UsedCount, &rec.LimitCount,
		&rec.LastResetAt, &rec.NextResetAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.QuotaType = Type(typ)
	return rec, nil
}
