package memory

import (
	"bytes"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"stocksync/internal/domain/catalog"
)

// CatalogRepo reads and seeds catalog items.
type CatalogRepo struct {
	s *Store
}

// ListPage implements catalog.Reader.
func (r *CatalogRepo) ListPage(_ context.Context, after uuid.UUID, limit int) ([]catalog.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if h := r.s.hooks.ListPage; h != nil {
		if err := h(after); err != nil {
			return nil, err
		}
	}

	var page []catalog.Item
	for _, item := range r.s.items {
		if item.DeletionMark || bytes.Compare(item.ID[:], after[:]) <= 0 {
			continue
		}
		page = append(page, item)
	}
	slices.SortFunc(page, func(a, b catalog.Item) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// Add inserts items, assigning time-ordered ids to those without one.
func (r *CatalogRepo) Add(items ...catalog.Item) []catalog.Item {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]catalog.Item, 0, len(items))
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.Must(uuid.NewV7())
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = time.Now()
		}
		r.s.items[item.ID] = item
		out = append(out, item)
	}
	return out
}

// Update replaces the item with the same id.
func (r *CatalogRepo) Update(item catalog.Item) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item.UpdatedAt = time.Now()
	r.s.items[item.ID] = item
}

// MarkDeleted sets the deletion mark on every item with the given code.
func (r *CatalogRepo) MarkDeleted(code string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, item := range r.s.items {
		if catalog.NormalizeCode(item.ItemCode) == code {
			item.DeletionMark = true
			r.s.items[id] = item
		}
	}
}

// activeCodes returns the codes of items without a deletion mark. Caller holds mu.
func (s *Store) activeCodes() map[string]int {
	codes := make(map[string]int, len(s.items))
	for _, item := range s.items {
		if !item.DeletionMark {
			codes[catalog.NormalizeCode(item.ItemCode)]++
		}
	}
	return codes
}
