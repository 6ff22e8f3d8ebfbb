// Package telemetry provides OpenTelemetry metrics for stock synchronization.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/syncrun"
)

// MeterName is the name used for the stock sync meter.
const MeterName = "stocksync"

// Metrics holds the OpenTelemetry instruments for reconciliation runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runDuration     metric.Float64Histogram
	runs            metric.Int64Counter
	items           metric.Int64Counter
	lockContention  metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(MeterName)

	runDuration, err := meter.Float64Histogram(
		"stocksync_run_duration_seconds",
		metric.WithDescription("Duration of reconciliation runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		"stocksync_runs_total",
		metric.WithDescription("Finalized reconciliation runs by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	items, err := meter.Int64Counter(
		"stocksync_items_total",
		metric.WithDescription("Catalog items processed by classification"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	lockContention, err := meter.Int64Counter(
		"stocksync_lock_contention_total",
		metric.WithDescription("Trigger attempts rejected because a run was in progress"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	refreshDuration, err := meter.Float64Histogram(
		"stocksync_view_refresh_duration_seconds",
		metric.WithDescription("Duration of stock summary view refreshes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runDuration:     runDuration,
		runs:            runs,
		items:           items,
		lockContention:  lockContention,
		refreshDuration: refreshDuration,
	}, nil
}

// RecordRun records a finalized run.
func (m *Metrics) RecordRun(ctx context.Context, s *syncrun.Summary) {
	if m == nil || s == nil {
		return
	}

	status := metric.WithAttributes(attribute.String("status", string(s.Status)))
	m.runs.Add(ctx, 1, status)
	m.runDuration.Record(ctx, s.DurationSeconds, status)

	for class, n := range map[string]int{
		"new":       s.Inserted,
		"changed":   s.Updated,
		"unchanged": s.Unchanged,
		"error":     s.Counts.Errors,
		"orphaned":  s.Orphaned,
	} {
		if n > 0 {
			m.items.Add(ctx, int64(n), metric.WithAttributes(attribute.String("classification", class)))
		}
	}
}

// RecordLockContention counts a rejected trigger.
func (m *Metrics) RecordLockContention(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockContention.Add(ctx, 1)
}

// RecordViewRefresh records a summary view refresh.
func (m *Metrics) RecordViewRefresh(ctx context.Context, res *stockview.RefreshResult) {
	if m == nil || res == nil {
		return
	}
	m.refreshDuration.Record(ctx, res.DurationSeconds,
		metric.WithAttributes(attribute.Bool("success", res.Success)))
}

// InstrumentedRefresher records metrics around a view refresher.
type InstrumentedRefresher struct {
	Refresher interface {
		RefreshStockSummaryView(ctx context.Context) *stockview.RefreshResult
	}
	Metrics *Metrics
}

// RefreshStockSummaryView implements stocksync.ViewRefresher.
func (r InstrumentedRefresher) RefreshStockSummaryView(ctx context.Context) *stockview.RefreshResult {
	start := time.Now()
	res := r.Refresher.RefreshStockSummaryView(ctx)
	if res != nil && res.DurationSeconds == 0 {
		res.DurationSeconds = time.Since(start).Seconds()
	}
	r.Metrics.RecordViewRefresh(ctx, res)
	return res
}
