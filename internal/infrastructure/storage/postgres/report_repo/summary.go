// Package report_repo provides PostgreSQL access to the stock summary view.
package report_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"stocksync/internal/domain/stockview"
	"stocksync/internal/infrastructure/storage/postgres"
)

// ViewName is the materialized view aggregating live stock records per category.
const ViewName = "mv_stock_summary"

var summaryColumns = postgres.ExtractDBColumns[stockview.SummaryRow]()

var _ stockview.Repository = (*SummaryRepo)(nil)

// SummaryRepo implements stockview.Repository.
type SummaryRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewSummaryRepo creates a new summary view repository.
func NewSummaryRepo(txManager *postgres.TxManager) *SummaryRepo {
	return &SummaryRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func refreshSQL(concurrently bool) string {
	if concurrently {
		return "REFRESH MATERIALIZED VIEW CONCURRENTLY " + ViewName
	}
	return "REFRESH MATERIALIZED VIEW " + ViewName
}

// Refresh implements stockview.Repository.
func (r *SummaryRepo) Refresh(ctx context.Context, concurrently bool) error {
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, refreshSQL(concurrently)); err != nil {
		return fmt.Errorf("refresh %s: %w", ViewName, err)
	}
	return nil
}

// IsPopulated implements stockview.Repository.
func (r *SummaryRepo) IsPopulated(ctx context.Context) (bool, error) {
	var populated bool
	err := r.txManager.GetQuerier(ctx).QueryRow(ctx,
		`SELECT ispopulated FROM pg_matviews WHERE matviewname = $1`, ViewName,
	).Scan(&populated)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("materialized view %s does not exist", ViewName)
	}
	if err != nil {
		return false, fmt.Errorf("check %s: %w", ViewName, err)
	}
	return populated, nil
}

// CountRows implements stockview.Repository.
func (r *SummaryRepo) CountRows(ctx context.Context) (int64, error) {
	var n int64
	if err := r.txManager.GetQuerier(ctx).QueryRow(ctx, "SELECT count(*) FROM "+ViewName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", ViewName, err)
	}
	return n, nil
}

// Summary implements stockview.Repository.
func (r *SummaryRepo) Summary(ctx context.Context) ([]stockview.SummaryRow, error) {
	sql, args, err := r.builder.Select(summaryColumns...).From(ViewName).OrderBy("category").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows := []stockview.SummaryRow{}
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select %s: %w", ViewName, err)
	}
	return rows, nil
}
