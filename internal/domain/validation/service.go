// Package validation inspects the store for the structural and data prerequisites
// of stock synchronization. It never modifies anything.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/syncrun"
	"stocksync/pkg/logger"
)

// Severity of an issue. Only SeverityError makes a system invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue categories.
const (
	CategoryConfiguration = apperror.CodeConfiguration
	CategoryData          = "DATA_INTEGRITY"
	CategoryLock          = "LOCK"
	CategoryInspection    = "INSPECTION_FAILED"
)

// Issue is one finding of a validation pass.
type Issue struct {
	ItemCode    string   `json:"item_code,omitempty"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Result is the outcome of ValidateSyncSystem.
type Result struct {
	IsValid         bool      `json:"is_valid"`
	Issues          []Issue   `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Inspector reads schema metadata and data health from the store.
type Inspector interface {
	TableExists(ctx context.Context, table string) (bool, error)
	MissingColumns(ctx context.Context, table string, columns []string) ([]string, error)
	IndexExists(ctx context.Context, table string, columns []string, unique bool) (bool, error)
	TriggerExists(ctx context.Context, table, trigger string) (bool, error)
	MaterializedViewExists(ctx context.Context, view string) (bool, error)

	CountItemsWithEmptyCode(ctx context.Context) (int64, error)
	// DuplicateItemCodes returns up to limit item codes shared by more than one active item.
	DuplicateItemCodes(ctx context.Context, limit int) ([]string, error)
	// OrphanedRecordCodes returns up to limit codes of stock records without an active
	// catalog item, and the total count.
	OrphanedRecordCodes(ctx context.Context, limit int) ([]string, int64, error)
}

// Structural names checked by the service.
const (
	TableCatalogItems      = "catalog_items"
	TableStockRecords      = "stock_records"
	TableSyncRuns          = "sync_runs"
	TableSyncLock          = "sync_lock"
	ViewStockSummary       = "mv_stock_summary"
	TriggerSyncedMonotonic = "trg_stock_records_synced_monotonic"
)

var requiredColumns = map[string][]string{
	TableCatalogItems: {"id", "item_code", "name", "category", "unit", "unit_price", "quantity", "deletion_mark"},
	TableStockRecords: {"item_code", "name", "description", "category", "unit", "unit_price", "quantity", "last_synced_at", "orphaned_at"},
	TableSyncRuns:     {"id", "started_at", "ended_at", "status", "total_items", "inserted_count", "updated_count", "unchanged_count", "error_count", "errors"},
	TableSyncLock:     {"id", "run_id", "holder", "expires_at"},
}

const sampleLimit = 20

// Service runs validation passes.
type Service struct {
	inspector Inspector
	locks     syncrun.LockRepository
	now       func() time.Time
}

// NewService creates a validation service.
func NewService(inspector Inspector, locks syncrun.LockRepository) *Service {
	return &Service{inspector: inspector, locks: locks, now: time.Now}
}

// finding is the output of one check.
type finding struct {
	issues          []Issue
	recommendations []string
}

func (f *finding) add(issue Issue, recommendation string) {
	f.issues = append(f.issues, issue)
	if recommendation != "" {
		f.recommendations = append(f.recommendations, recommendation)
	}
}

type check func(ctx context.Context, f *finding) error

// ValidateSyncSystem runs every check concurrently and merges the findings in a stable order.
// A check that cannot run is itself reported as an error issue.
func (s *Service) ValidateSyncSystem(ctx context.Context) (*Result, error) {
	checks := []struct {
		name string
		fn   check
	}{
		{"tables", s.checkTables},
		{"columns", s.checkColumns},
		{"indexes", s.checkIndexes},
		{"trigger", s.checkTrigger},
		{"summary_view", s.checkSummaryView},
		{"empty_codes", s.checkEmptyCodes},
		{"duplicate_codes", s.checkDuplicateCodes},
		{"orphaned_records", s.checkOrphans},
		{"stale_lock", s.checkLock},
	}

	findings := make([]finding, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			if err := c.fn(gctx, &findings[i]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn(ctx, "validation check failed", "check", c.name, "error", err)
				findings[i] = finding{}
				findings[i].add(Issue{
					Category:    CategoryInspection,
					Severity:    SeverityError,
					Description: fmt.Sprintf("check %s could not run: %v", c.name, err),
				}, "Verify database connectivity and permissions for the service account")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		IsValid:         true,
		Issues:          []Issue{},
		Recommendations: []string{},
		CheckedAt:       s.now(),
	}
	seen := make(map[string]struct{})
	for _, f := range findings {
		for _, issue := range f.issues {
			if issue.Severity == SeverityError {
				result.IsValid = false
			}
			result.Issues = append(result.Issues, issue)
		}
		for _, rec := range f.recommendations {
			if _, dup := seen[rec]; dup {
				continue
			}
			seen[rec] = struct{}{}
			result.Recommendations = append(result.Recommendations, rec)
		}
	}
	return result, nil
}

func (s *Service) checkTables(ctx context.Context, f *finding) error {
	for _, table := range []string{TableCatalogItems, TableStockRecords, TableSyncRuns, TableSyncLock} {
		ok, err := s.inspector.TableExists(ctx, table)
		if err != nil {
			return err
		}
		if !ok {
			f.add(Issue{
				Category:    CategoryConfiguration,
				Severity:    SeverityError,
				Description: fmt.Sprintf("required table %s is missing", table),
			}, "Run database migrations (cmd/migrate up) to create the missing tables")
		}
	}
	return nil
}

func (s *Service) checkColumns(ctx context.Context, f *finding) error {
	for _, table := range []string{TableCatalogItems, TableStockRecords, TableSyncRuns, TableSyncLock} {
		exists, err := s.inspector.TableExists(ctx, table)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		missing, err := s.inspector.MissingColumns(ctx, table, requiredColumns[table])
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			f.add(Issue{
				Category:    CategoryConfiguration,
				Severity:    SeverityError,
				Description: fmt.Sprintf("table %s is missing columns: %s", table, strings.Join(missing, ", ")),
			}, fmt.Sprintf("Apply the latest migrations to add missing columns to %s", table))
		}
	}
	return nil
}

func (s *Service) checkIndexes(ctx context.Context, f *finding) error {
	ok, err := s.inspector.IndexExists(ctx, TableStockRecords, []string{"item_code"}, true)
	if err != nil {
		return err
	}
	if !ok {
		f.add(Issue{
			Category:    CategoryConfiguration,
			Severity:    SeverityError,
			Description: "stock_records has no unique index on item_code",
		}, "CREATE UNIQUE INDEX ON stock_records (item_code)")
	}

	ok, err = s.inspector.IndexExists(ctx, TableCatalogItems, []string{"item_code"}, false)
	if err != nil {
		return err
	}
	if !ok {
		f.add(Issue{
			Category:    CategoryConfiguration,
			Severity:    SeverityWarning,
			Description: "catalog_items has no index on item_code; reconciliation lookups will be slow",
		}, "CREATE INDEX ON catalog_items (item_code)")
	}
	return nil
}

func (s *Service) checkTrigger(ctx context.Context, f *finding) error {
	ok, err := s.inspector.TriggerExists(ctx, TableStockRecords, TriggerSyncedMonotonic)
	if err != nil {
		return err
	}
	if !ok {
		f.add(Issue{
			Category:    CategoryConfiguration,
			Severity:    SeverityWarning,
			Description: "last_synced_at monotonicity trigger is not installed",
		}, "Apply the latest migrations to install trg_stock_records_synced_monotonic")
	}
	return nil
}

func (s *Service) checkSummaryView(ctx context.Context, f *finding) error {
	ok, err := s.inspector.MaterializedViewExists(ctx, ViewStockSummary)
	if err != nil {
		return err
	}
	if !ok {
		f.add(Issue{
			Category:    CategoryConfiguration,
			Severity:    SeverityWarning,
			Description: "stock summary view mv_stock_summary does not exist",
		}, "Apply the latest migrations to create mv_stock_summary")
		return nil
	}

	ok, err = s.inspector.IndexExists(ctx, ViewStockSummary, []string{"category"}, true)
	if err != nil {
		return err
	}
	if !ok {
		f.add(Issue{
			Category:    CategoryConfiguration,
			Severity:    SeverityWarning,
			Description: "mv_stock_summary has no unique index; concurrent refresh is impossible",
		}, "CREATE UNIQUE INDEX ON mv_stock_summary (category)")
	}
	return nil
}

func (s *Service) checkEmptyCodes(ctx context.Context, f *finding) error {
	n, err := s.inspector.CountItemsWithEmptyCode(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		f.add(Issue{
			Category:    CategoryData,
			Severity:    SeverityError,
			Description: fmt.Sprintf("%d catalog items have an empty item_code", n),
		}, "Assign item codes to all catalog items; they are recorded as errors on every run")
	}
	return nil
}

func (s *Service) checkDuplicateCodes(ctx context.Context, f *finding) error {
	codes, err := s.inspector.DuplicateItemCodes(ctx, sampleLimit)
	if err != nil {
		return err
	}
	for _, code := range codes {
		f.add(Issue{
			ItemCode:    code,
			Category:    CategoryData,
			Severity:    SeverityError,
			Description: "item_code is used by more than one catalog item",
		}, "Make item codes unique in the catalog; duplicates are recorded as errors")
	}
	return nil
}

func (s *Service) checkOrphans(ctx context.Context, f *finding) error {
	codes, total, err := s.inspector.OrphanedRecordCodes(ctx, sampleLimit)
	if err != nil {
		return err
	}
	for _, code := range codes {
		f.issues = append(f.issues, Issue{
			ItemCode:    code,
			Category:    CategoryData,
			Severity:    SeverityWarning,
			Description: "stock record has no active catalog item",
		})
	}
	if total > int64(len(codes)) {
		f.issues = append(f.issues, Issue{
			Category:    CategoryData,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("%d more stock records have no active catalog item", total-int64(len(codes))),
		})
	}
	if total > 0 {
		f.recommendations = append(f.recommendations,
			"Run a synchronization to mark orphaned stock records, or restore the missing catalog items")
	}
	return nil
}

func (s *Service) checkLock(ctx context.Context, f *finding) error {
	if s.locks == nil {
		return nil
	}
	lease, err := s.locks.Current(ctx)
	if err != nil {
		return err
	}
	if lease != nil && !lease.Active {
		f.add(Issue{
			Category:    CategoryLock,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("sync lock held by run %s expired at %s", lease.RunID, lease.ExpiresAt.Format(time.RFC3339)),
		}, "The lock reaper releases expired leases; the next trigger will also take it over")
	}
	return nil
}
