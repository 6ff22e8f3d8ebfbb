package syncrun

import "time"

const (
	DefaultStatisticsWindowDays = 30
	MaxStatisticsWindowDays     = 365
)

// NormalizeWindowDays applies the default and upper bound to a statistics window.
func NormalizeWindowDays(days int) int {
	if days <= 0 {
		return DefaultStatisticsWindowDays
	}
	if days > MaxStatisticsWindowDays {
		return MaxStatisticsWindowDays
	}
	return days
}

// Aggregate holds raw sums over a set of runs as computed by a store.
type Aggregate struct {
	TotalRuns       int     `db:"total_runs"`
	SucceededRuns   int     `db:"succeeded_runs"`
	PartialRuns     int     `db:"partial_runs"`
	FailedRuns      int     `db:"failed_runs"`
	RunningRuns     int     `db:"running_runs"`
	DurationSeconds float64 `db:"duration_seconds"`
	RecordsTouched  int64   `db:"records_touched"`
	TotalErrors     int64   `db:"total_errors"`
	TotalItems      int64   `db:"total_items"`
}

// Statistics summarizes run health over a trailing window.
type Statistics struct {
	WindowDays             int       `json:"window_days"`
	Since                  time.Time `json:"since"`
	TotalRuns              int       `json:"total_runs"`
	SucceededRuns          int       `json:"succeeded_runs"`
	PartialRuns            int       `json:"partial_runs"`
	FailedRuns             int       `json:"failed_runs"`
	RunningRuns            int       `json:"running_runs"`
	SuccessRate            float64   `json:"success_rate"`
	AverageDurationSeconds float64   `json:"average_duration_seconds"`
	TotalRecordsTouched    int64     `json:"total_records_touched"`
	TotalItemsProcessed    int64     `json:"total_items_processed"`
	TotalErrors            int64     `json:"total_errors"`
}

// BuildStatistics derives rates and averages from an aggregate.
// Rates and averages are computed over finalized runs only.
func BuildStatistics(agg Aggregate, windowDays int, since time.Time) *Statistics {
	stats := &Statistics{
		WindowDays:          windowDays,
		Since:               since,
		TotalRuns:           agg.TotalRuns,
		SucceededRuns:       agg.SucceededRuns,
		PartialRuns:         agg.PartialRuns,
		FailedRuns:          agg.FailedRuns,
		RunningRuns:         agg.RunningRuns,
		TotalRecordsTouched: agg.RecordsTouched,
		TotalItemsProcessed: agg.TotalItems,
		TotalErrors:         agg.TotalErrors,
	}

	finalized := agg.SucceededRuns + agg.PartialRuns + agg.FailedRuns
	if finalized > 0 {
		stats.SuccessRate = float64(agg.SucceededRuns) / float64(finalized)
		stats.AverageDurationSeconds = agg.DurationSeconds / float64(finalized)
	}
	return stats
}

// Accumulate folds a run into the aggregate. Used by in-memory stores.
func (a *Aggregate) Accumulate(r Run) {
	a.TotalRuns++
	switch r.Status {
	case StatusSucceeded:
		a.SucceededRuns++
	case StatusPartial:
		a.PartialRuns++
	case StatusFailed:
		a.FailedRuns++
	case StatusRunning:
		a.RunningRuns++
		return
	}
	if r.EndedAt != nil {
		a.DurationSeconds += r.EndedAt.Sub(r.StartedAt).Seconds()
	}
	a.RecordsTouched += int64(r.Counts().Touched())
	a.TotalErrors += int64(r.ErrorCount)
	a.TotalItems += int64(r.TotalItems)
}
