// Package catalog provides the authoritative item catalog as seen by stock synchronization.
// The catalog is read-only here: items are edited elsewhere and only consumed by reconciliation.
package catalog

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stocksync/internal/core/apperror"
)

// MaxItemCodeLength is the longest item_code accepted by reconciliation.
const MaxItemCodeLength = 64

// Item represents one product in the catalog.
type Item struct {
	// ID is the surrogate key used for keyset paging.
	ID uuid.UUID `db:"id" json:"id"`

	// ItemCode is the business key shared with stock records.
	ItemCode string `db:"item_code" json:"item_code"`

	Name        string  `db:"name" json:"name"`
	Description *string `db:"description" json:"description,omitempty"`
	Category    string  `db:"category" json:"category"`
	Unit        string  `db:"unit" json:"unit"`

	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`

	// Quantity is the declared on-hand quantity.
	Quantity decimal.Decimal `db:"quantity" json:"quantity"`

	// DeletionMark flags an item as removed; such items are treated as absent.
	DeletionMark bool `db:"deletion_mark" json:"deletion_mark"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Reader reads catalog items in stable order.
type Reader interface {
	// ListPage returns up to limit active items with id greater than after, ordered by id.
	// Items carrying a deletion mark are excluded. Pass uuid.Nil for the first page.
	ListPage(ctx context.Context, after uuid.UUID, limit int) ([]Item, error)
}

// NormalizeCode trims surrounding whitespace from an item code.
func NormalizeCode(code string) string {
	return strings.TrimSpace(code)
}

// CheckItem verifies the required fields of an item.
// Returned errors carry apperror.CodeItemValidation.
func CheckItem(item Item) error {
	code := NormalizeCode(item.ItemCode)
	if code == "" {
		return apperror.NewItemValidation("", "item_code is required").
			WithDetail("field", "item_code")
	}

	if utf8.RuneCountInString(code) > MaxItemCodeLength {
		return apperror.NewItemValidation(code, "item_code exceeds 64 characters").
			WithDetail("field", "item_code")
	}

	if strings.TrimSpace(item.Name) == "" {
		return apperror.NewItemValidation(code, "name is required").
			WithDetail("field", "name")
	}

	if item.Quantity.IsNegative() {
		return apperror.NewItemValidation(code, "quantity cannot be negative").
			WithDetail("field", "quantity")
	}

	if item.UnitPrice.IsNegative() {
		return apperror.NewItemValidation(code, "unit_price cannot be negative").
			WithDetail("field", "unit_price")
	}

	return nil
}

// DescriptionText returns the description, empty when unset.
func (i Item) DescriptionText() string {
	if i.Description == nil {
		return ""
	}
	return *i.Description
}

// Attributes flattens an item into a map for rule evaluation.
// Decimal values are exposed as float64.
func (i Item) Attributes() map[string]any {
	desc := i.DescriptionText()
	return map[string]any{
		"item_code":   NormalizeCode(i.ItemCode),
		"name":        i.Name,
		"description": desc,
		"category":    i.Category,
		"unit":        i.Unit,
		"unit_price":  i.UnitPrice.InexactFloat64(),
		"quantity":    i.Quantity.InexactFloat64(),
	}
}
