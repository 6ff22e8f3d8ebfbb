// Package stockview maintains the precomputed per-category stock summary.
package stockview

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"stocksync/pkg/logger"
)

// SummaryRow is one category of the stock summary. Orphaned records are excluded.
type SummaryRow struct {
	Category      string          `db:"category" json:"category"`
	ItemCount     int64           `db:"item_count" json:"item_count"`
	TotalQuantity decimal.Decimal `db:"total_quantity" json:"total_quantity"`
	TotalValue    decimal.Decimal `db:"total_value" json:"total_value"`
	LastSyncedAt  *time.Time      `db:"last_synced_at" json:"last_synced_at,omitempty"`
}

// Repository defines access to the summary view.
type Repository interface {
	// Refresh recomputes the view. A concurrent refresh keeps the view readable
	// but requires it to have been populated before.
	Refresh(ctx context.Context, concurrently bool) error

	// IsPopulated reports whether the view holds data from a previous refresh.
	IsPopulated(ctx context.Context) (bool, error)

	// CountRows returns the number of rows in the view.
	CountRows(ctx context.Context) (int64, error)

	// Summary returns the view rows ordered by category.
	Summary(ctx context.Context) ([]SummaryRow, error)
}

// RefreshResult reports the outcome of a refresh.
type RefreshResult struct {
	Success         bool      `json:"success"`
	Message         string    `json:"message"`
	Rows            int64     `json:"rows"`
	Concurrent      bool      `json:"concurrent"`
	DurationSeconds float64   `json:"duration_seconds"`
	RefreshedAt     time.Time `json:"refreshed_at"`
}

// Refresher recomputes the summary view. Concurrent callers share one in-flight refresh.
type Refresher struct {
	repo   Repository
	group  singleflight.Group
	now    func() time.Time
	tracer trace.Tracer
}

// NewRefresher creates a Refresher.
func NewRefresher(repo Repository) *Refresher {
	return &Refresher{
		repo:   repo,
		now:    time.Now,
		tracer: otel.Tracer("stocksync/stockview"),
	}
}

// RefreshStockSummaryView recomputes the view from the current stock records.
// Failures are reported in the result, never as a panic or error return.
func (r *Refresher) RefreshStockSummaryView(ctx context.Context) *RefreshResult {
	v, _, _ := r.group.Do("refresh", func() (any, error) {
		return r.refresh(ctx), nil
	})
	res := *v.(*RefreshResult)
	return &res
}

func (r *Refresher) refresh(ctx context.Context) *RefreshResult {
	ctx, span := r.tracer.Start(ctx, "stockview.Refresh")
	defer span.End()

	start := r.now()
	result := &RefreshResult{RefreshedAt: start}
	finish := func(success bool, msg string) *RefreshResult {
		result.Success = success
		result.Message = msg
		result.DurationSeconds = r.now().Sub(start).Seconds()
		return result
	}

	populated, err := r.repo.IsPopulated(ctx)
	if err != nil {
		span.RecordError(err)
		logger.Error(ctx, "stock summary view is not available", "error", err)
		return finish(false, fmt.Sprintf("stock summary view is not available: %v", err))
	}

	result.Concurrent = populated
	if err := r.repo.Refresh(ctx, populated); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "stock summary refresh failed", "concurrent", populated, "error", err)
		return finish(false, fmt.Sprintf("refresh failed: %v", err))
	}

	rows, err := r.repo.CountRows(ctx)
	if err != nil {
		logger.Warn(ctx, "count stock summary rows", "error", err)
	}
	result.Rows = rows

	logger.Info(ctx, "stock summary view refreshed", "rows", rows, "concurrent", populated)
	return finish(true, fmt.Sprintf("stock summary refreshed (%d categories)", rows))
}

// GetStockSummary returns the current view rows.
func (r *Refresher) GetStockSummary(ctx context.Context) ([]SummaryRow, error) {
	rows, err := r.repo.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stock summary: %w", err)
	}
	return rows, nil
}
