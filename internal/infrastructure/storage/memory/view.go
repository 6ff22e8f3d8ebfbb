package memory

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"stocksync/internal/domain/stockview"
)

var errViewNotPopulated = errors.New("materialized view \"mv_stock_summary\" has not been populated")

// ViewRepo implements stockview.Repository.
type ViewRepo struct {
	s *Store
}

// Refresh implements stockview.Repository.
func (r *ViewRepo) Refresh(_ context.Context, concurrently bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if concurrently && !r.s.viewOK {
		return errors.New("CONCURRENTLY cannot be used when the materialized view is not populated")
	}

	byCategory := make(map[string]*stockview.SummaryRow)
	for _, rec := range r.s.records {
		if rec.OrphanedAt != nil {
			continue
		}
		row, ok := byCategory[rec.Category]
		if !ok {
			row = &stockview.SummaryRow{Category: rec.Category, TotalQuantity: decimal.Zero, TotalValue: decimal.Zero}
			byCategory[rec.Category] = row
		}
		row.ItemCount++
		row.TotalQuantity = row.TotalQuantity.Add(rec.Quantity)
		row.TotalValue = row.TotalValue.Add(rec.Quantity.Mul(rec.UnitPrice))
		if row.LastSyncedAt == nil || rec.LastSyncedAt.After(*row.LastSyncedAt) {
			synced := rec.LastSyncedAt
			row.LastSyncedAt = &synced
		}
	}

	rows := make([]stockview.SummaryRow, 0, len(byCategory))
	for _, row := range byCategory {
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b stockview.SummaryRow) int { return strings.Compare(a.Category, b.Category) })

	r.s.view = rows
	r.s.viewOK = true
	return nil
}

// IsPopulated implements stockview.Repository.
func (r *ViewRepo) IsPopulated(context.Context) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.viewOK, nil
}

// CountRows implements stockview.Repository.
func (r *ViewRepo) CountRows(context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.viewOK {
		return 0, errViewNotPopulated
	}
	return int64(len(r.s.view)), nil
}

// Summary implements stockview.Repository.
func (r *ViewRepo) Summary(context.Context) ([]stockview.SummaryRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.viewOK {
		return nil, errViewNotPopulated
	}
	return append([]stockview.SummaryRow(nil), r.s.view...), nil
}
