// Package sync_repo provides PostgreSQL storage for run history and the run lock.
package sync_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/syncrun"
	"stocksync/internal/infrastructure/storage/postgres"
)

const syncRunsTable = "sync_runs"

var runColumns = postgres.ExtractDBColumns[syncrun.Run]()

var _ syncrun.Repository = (*RunRepo)(nil)

// RunRepo implements syncrun.Repository.
type RunRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewRunRepo creates a new run history repository.
func NewRunRepo(txManager *postgres.TxManager) *RunRepo {
	return &RunRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *RunRepo) baseSelect() squirrel.SelectBuilder {
	return r.builder.Select(runColumns...).From(syncRunsTable)
}

// Create implements syncrun.Repository.
func (r *RunRepo) Create(ctx context.Context, run *syncrun.Run) error {
	sql, args, err := r.builder.
		Insert(syncRunsTable).
		Columns(runColumns...).
		Values(postgres.ColumnValues(run, runColumns)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

func (r *RunRepo) progressQuery(id uuid.UUID, c syncrun.Counts) squirrel.UpdateBuilder {
	return r.builder.
		Update(syncRunsTable).
		Set("total_items", c.Total).
		Set("inserted_count", c.Inserted).
		Set("updated_count", c.Updated).
		Set("unchanged_count", c.Unchanged).
		Set("error_count", c.Errors).
		Set("orphaned_count", c.Orphaned).
		Where(squirrel.Eq{"id": id, "status": syncrun.StatusRunning})
}

// UpdateProgress implements syncrun.Repository.
func (r *RunRepo) UpdateProgress(ctx context.Context, id uuid.UUID, c syncrun.Counts) error {
	sql, args, err := r.progressQuery(id, c).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update sync run progress: %w", err)
	}
	return nil
}

func (r *RunRepo) finalizeQuery(run *syncrun.Run) squirrel.UpdateBuilder {
	q := r.builder.Update(syncRunsTable)
	values := postgres.StructToMap(run)
	for _, col := range runColumns {
		switch col {
		case "id", "started_at", "triggered_by", "trigger_source":
			continue
		}
		q = q.Set(col, values[col])
	}
	return q.Where(squirrel.Eq{"id": run.ID, "status": syncrun.StatusRunning})
}

// Finalize implements syncrun.Repository.
func (r *RunRepo) Finalize(ctx context.Context, run *syncrun.Run) (bool, error) {
	sql, args, err := r.finalizeQuery(run).ToSql()
	if err != nil {
		return false, fmt.Errorf("build finalize: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("finalize sync run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RunRepo) getOne(ctx context.Context, q squirrel.SelectBuilder, key any) (*syncrun.Run, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var run syncrun.Run
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &run, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("sync run", key)
		}
		return nil, fmt.Errorf("select sync run: %w", err)
	}
	return &run, nil
}

// Get implements syncrun.Repository.
func (r *RunRepo) Get(ctx context.Context, id uuid.UUID) (*syncrun.Run, error) {
	return r.getOne(ctx, r.baseSelect().Where(squirrel.Eq{"id": id}), id)
}

// GetLastFinalized implements syncrun.Repository.
func (r *RunRepo) GetLastFinalized(ctx context.Context) (*syncrun.Run, error) {
	q := r.baseSelect().
		Where(squirrel.NotEq{"status": syncrun.StatusRunning}).
		Where(squirrel.NotEq{"ended_at": nil}).
		OrderBy("ended_at DESC").
		Limit(1)
	return r.getOne(ctx, q, "last")
}

func (r *RunRepo) listQuery(filter syncrun.ListFilter) squirrel.SelectBuilder {
	filter = filter.Normalize()
	q := r.baseSelect()
	if filter.Status != nil {
		q = q.Where(squirrel.Eq{"status": *filter.Status})
	}
	return q.OrderBy("started_at DESC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset))
}

// List implements syncrun.Repository.
func (r *RunRepo) List(ctx context.Context, filter syncrun.ListFilter) ([]syncrun.Run, error) {
	sql, args, err := r.listQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	runs := []syncrun.Run{}
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &runs, sql, args...); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

// statisticsColumns mirror syncrun.Aggregate.Accumulate: running runs only count toward the totals.
var statisticsColumns = []string{
	"count(*) AS total_runs",
	"count(*) FILTER (WHERE status = 'succeeded') AS succeeded_runs",
	"count(*) FILTER (WHERE status = 'partial') AS partial_runs",
	"count(*) FILTER (WHERE status = 'failed') AS failed_runs",
	"count(*) FILTER (WHERE status = 'running') AS running_runs",
	"COALESCE(sum(EXTRACT(EPOCH FROM ended_at - started_at)) FILTER (WHERE status <> 'running'), 0)::float8 AS duration_seconds",
	"COALESCE(sum(inserted_count + updated_count) FILTER (WHERE status <> 'running'), 0)::bigint AS records_touched",
	"COALESCE(sum(error_count) FILTER (WHERE status <> 'running'), 0)::bigint AS total_errors",
	"COALESCE(sum(total_items) FILTER (WHERE status <> 'running'), 0)::bigint AS total_items",
}

// Statistics implements syncrun.Repository.
func (r *RunRepo) Statistics(ctx context.Context, since time.Time) (*syncrun.Aggregate, error) {
	sql, args, err := r.builder.
		Select(statisticsColumns...).
		From(syncRunsTable).
		Where(squirrel.GtOrEq{"started_at": since}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build statistics: %w", err)
	}
	var agg syncrun.Aggregate
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &agg, sql, args...); err != nil {
		return nil, fmt.Errorf("aggregate sync runs: %w", err)
	}
	return &agg, nil
}
