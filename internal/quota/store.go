package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mutator inspects and may modify a record inside a store unit of work.
// It returns true if rec was modified and must be persisted. A non-nil error
// aborts the unit without writing.
type Mutator func(rec *Record) (changed bool, err error)

// Store persists quota records. Apply and ApplyAll are the only ways records
// are changed: the store loads the row for each (user, type), creating it from
// the seed if absent, runs fn while no other unit can touch the same row, and
// writes the result if fn reports a change.
type Store interface {
	Apply(ctx context.Context, userID uuid.UUID, seed Record, fn Mutator) (Record, error)
	ApplyAll(ctx context.Context, userID uuid.UUID, seeds []Record, fn Mutator) ([]Record, error)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]Record
}

type memoryKey struct {
	userID uuid.UUID
	typ    Type
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey]Record)}
}

// Apply runs fn on the record for (userID, seed.QuotaType).
func (s *MemoryStore) Apply(ctx context.Context, userID uuid.UUID, seed Record, fn Mutator) (Record, error) {
	recs, err := s.ApplyAll(ctx, userID, []Record{seed}, fn)
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// ApplyAll runs fn on each of the user's records named by seeds.
// Either every change is kept or, if fn fails, none is.
func (s *MemoryStore) ApplyAll(ctx context.Context, userID uuid.UUID, seeds []Record, fn Mutator) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("applying quota records", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(seeds))
	for _, seed := range seeds {
		key := memoryKey{userID: userID, typ: seed.QuotaType}
		rec, ok := s.records[key]
		if !ok {
			rec = seed
			rec.ID = uuid.New()
			rec.UserID = userID
		}
		// New rows are kept even when fn leaves them untouched.
		if _, err := fn(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	for _, rec := range out {
		s.records[memoryKey{userID: userID, typ: rec.QuotaType}] = rec
	}
	return out, nil
}

// Get returns the stored record, if any. It never creates one.
func (s *MemoryStore) Get(userID uuid.UUID, t Type) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[memoryKey{userID: userID, typ: t}]
	return rec, ok
}

// Put overwrites a record. Tests use it to stage arbitrary states.
func (s *MemoryStore) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	s.records[memoryKey{userID: rec.UserID, typ: rec.QuotaType}] = rec
}
