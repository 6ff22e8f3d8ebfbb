// Package stock provides the derived on-hand stock dataset maintained by reconciliation.
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stocksync/internal/domain/catalog"
)

// Record is the stock-side counterpart of a catalog item, keyed by item code.
type Record struct {
	ItemCode    string          `db:"item_code" json:"item_code"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description,omitempty"`
	Category    string          `db:"category" json:"category"`
	Unit        string          `db:"unit" json:"unit"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`

	// LastSyncedAt only moves forward.
	LastSyncedAt time.Time `db:"last_synced_at" json:"last_synced_at"`

	// OrphanedAt is set when the catalog item disappeared. Nil for live records.
	OrphanedAt *time.Time `db:"orphaned_at" json:"orphaned_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FromItem builds the record that mirrors item as of syncedAt.
func FromItem(item catalog.Item, syncedAt time.Time) Record {
	return Record{
		ItemCode:     catalog.NormalizeCode(item.ItemCode),
		Name:         item.Name,
		Description:  item.DescriptionText(),
		Category:     item.Category,
		Unit:         item.Unit,
		UnitPrice:    item.UnitPrice,
		Quantity:     item.Quantity,
		LastSyncedAt: syncedAt,
		CreatedAt:    syncedAt,
		UpdatedAt:    syncedAt,
	}
}

// DiffersFrom reports whether r needs to be rewritten to match item.
// Orphaned records always differ so that a reappearing item revives them.
func (r Record) DiffersFrom(item catalog.Item) bool {
	if r.OrphanedAt != nil {
		return true
	}
	return r.Name != item.Name ||
		r.Description != item.DescriptionText() ||
		r.Category != item.Category ||
		r.Unit != item.Unit ||
		!r.UnitPrice.Equal(item.UnitPrice) ||
		!r.Quantity.Equal(item.Quantity)
}

// IsOrphaned reports whether the record lost its catalog item.
func (r Record) IsOrphaned() bool {
	return r.OrphanedAt != nil
}

// Repository defines operations for the stock dataset.
// Mutating methods participate in the transaction carried by ctx.
type Repository interface {
	// GetByCodes returns existing records (orphaned included) keyed by item code.
	GetByCodes(ctx context.Context, codes []string) (map[string]Record, error)

	// Upsert inserts new records or overwrites existing ones and clears their orphan mark.
	// last_synced_at never moves backwards.
	Upsert(ctx context.Context, records []Record) error

	// TouchSynced advances last_synced_at of the given records to at.
	TouchSynced(ctx context.Context, codes []string, at time.Time) error

	// MarkOrphans sets orphaned_at on live records whose item code is absent from the
	// active catalog, returning how many records were newly marked.
	MarkOrphans(ctx context.Context, at time.Time) (int, error)
}
