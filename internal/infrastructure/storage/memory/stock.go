package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"stocksync/internal/domain/stock"
)

// StockRepo implements stock.Repository.
type StockRepo struct {
	s *Store
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// GetByCodes implements stock.Repository.
func (r *StockRepo) GetByCodes(_ context.Context, codes []string) (map[string]stock.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if h := r.s.hooks.GetByCodes; h != nil {
		if err := h(codes); err != nil {
			return nil, err
		}
	}

	out := make(map[string]stock.Record, len(codes))
	for _, code := range codes {
		if rec, ok := r.s.records[code]; ok {
			out[code] = rec
		}
	}
	return out, nil
}

// Upsert implements stock.Repository.
func (r *StockRepo) Upsert(_ context.Context, records []stock.Record) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if h := r.s.hooks.Upsert; h != nil {
		if err := h(records); err != nil {
			return err
		}
	}

	for _, rec := range records {
		if existing, ok := r.s.records[rec.ItemCode]; ok {
			rec.CreatedAt = existing.CreatedAt
			rec.LastSyncedAt = later(existing.LastSyncedAt, rec.LastSyncedAt)
		}
		rec.OrphanedAt = nil
		r.s.records[rec.ItemCode] = rec
	}
	return nil
}

// TouchSynced implements stock.Repository.
func (r *StockRepo) TouchSynced(_ context.Context, codes []string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, code := range codes {
		if rec, ok := r.s.records[code]; ok {
			rec.LastSyncedAt = later(rec.LastSyncedAt, at)
			r.s.records[code] = rec
		}
	}
	return nil
}

// MarkOrphans implements stock.Repository.
func (r *StockRepo) MarkOrphans(_ context.Context, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	active := r.s.activeCodes()
	var n int
	for code, rec := range r.s.records {
		if rec.OrphanedAt != nil {
			continue
		}
		if _, ok := active[code]; ok {
			continue
		}
		marked := at
		rec.OrphanedAt = &marked
		rec.UpdatedAt = at
		r.s.records[code] = rec
		n++
	}
	return n, nil
}

// All returns every record ordered by item code.
func (r *StockRepo) All() []stock.Record {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]stock.Record, 0, len(r.s.records))
	for _, rec := range r.s.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b stock.Record) int { return strings.Compare(a.ItemCode, b.ItemCode) })
	return out
}

// Get returns one record.
func (r *StockRepo) Get(code string) (stock.Record, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.records[code]
	return rec, ok
}
