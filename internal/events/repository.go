package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxPageSize = 100

// Repository handles quota_events PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new events Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single event log entry.
func (r *Repository) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO quota_events (id, user_id, quota_type, event_type, amount, used_count, limit_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.QuotaType, e.EventType, e.Amount, e.UsedCount, e.LimitCount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting quota event: %w", err)
	}
	return nil
}

// ListByUser returns a page of events for a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, params ListParams) (Page, error) {
	params = normalize(params)
	where, args := buildFilter(userID, params)

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM quota_events WHERE %s", where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("counting quota events: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	n := len(args)
	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, quota_type, event_type, amount, used_count, limit_count, created_at
		 FROM quota_events WHERE %s
		 ORDER BY created_at DESC, id
		 LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return Page{}, fmt.Errorf("querying quota events: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, params.PageSize)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.QuotaType, &e.EventType,
			&e.Amount, &e.UsedCount, &e.LimitCount, &e.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("scanning quota event: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterating quota events: %w", err)
	}

	return Page{Entries: entries, Total: total, Page: params.Page, PageSize: params.PageSize}, nil
}

func normalize(p ListParams) ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > maxPageSize {
		p.PageSize = DefaultListParams().PageSize
	}
	return p
}

// buildFilter returns the WHERE clause and its positional arguments.
func buildFilter(userID uuid.UUID, p ListParams) (string, []any) {
	conditions := []string{"user_id = $1"}
	args := []any{userID}

	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if p.QuotaType != "" {
		add("quota_type = $%d", p.QuotaType)
	}
	if p.EventType != "" {
		add("event_type = $%d", p.EventType)
	}
	if p.From != nil {
		add("created_at >= $%d", *p.From)
	}
	if p.To != nil {
		add("created_at <= $%d", *p.To)
	}
	return strings.Join(conditions, " AND "), args
}
