// Package register_repo provides the PostgreSQL implementation of the stock dataset.
package register_repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stocksync/internal/domain/stock"
	"stocksync/internal/infrastructure/storage/postgres"
)

const stockRecordsTable = "stock_records"

// upsertChunk keeps a multi-row upsert under the 65535 bind parameter limit.
const upsertChunk = 5000

var stockColumns = postgres.ExtractDBColumns[stock.Record]()

var _ stock.Repository = (*StockRepo)(nil)

// StockRepo implements stock.Repository.
type StockRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewStockRepo creates a new stock repository.
func NewStockRepo(txManager *postgres.TxManager) *StockRepo {
	return &StockRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetByCodes implements stock.Repository.
func (r *StockRepo) GetByCodes(ctx context.Context, codes []string) (map[string]stock.Record, error) {
	out := make(map[string]stock.Record, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	sql, args, err := r.builder.
		Select(stockColumns...).
		From(stockRecordsTable).
		Where("item_code = ANY(?)", codes).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var records []stock.Record
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &records, sql, args...); err != nil {
		return nil, fmt.Errorf("select stock records: %w", err)
	}
	for _, rec := range records {
		out[rec.ItemCode] = rec
	}
	return out, nil
}

// upsertSuffix overwrites attributes, keeps created_at and never moves last_synced_at back.
var upsertSuffix = func() string {
	var b strings.Builder
	b.WriteString("ON CONFLICT (item_code) DO UPDATE SET ")
	first := true
	for _, col := range stockColumns {
		var expr string
		switch col {
		case "item_code", "created_at":
			continue
		case "last_synced_at":
			expr = "last_synced_at = GREATEST(stock_records.last_synced_at, EXCLUDED.last_synced_at)"
		case "orphaned_at":
			expr = "orphaned_at = NULL"
		default:
			expr = col + " = EXCLUDED." + col
		}
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(expr)
		first = false
	}
	return b.String()
}()

func (r *StockRepo) upsertQuery(records []stock.Record) squirrel.InsertBuilder {
	q := r.builder.Insert(stockRecordsTable).Columns(stockColumns...)
	for i := range records {
		q = q.Values(postgres.ColumnValues(&records[i], stockColumns)...)
	}
	return q.Suffix(upsertSuffix)
}

// Upsert implements stock.Repository.
func (r *StockRepo) Upsert(ctx context.Context, records []stock.Record) error {
	querier := r.txManager.GetQuerier(ctx)
	for start := 0; start < len(records); start += upsertChunk {
		end := min(start+upsertChunk, len(records))

		sql, args, err := r.upsertQuery(records[start:end]).ToSql()
		if err != nil {
			return fmt.Errorf("build upsert: %w", err)
		}
		if _, err := querier.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("upsert stock records: %w", err)
		}
	}
	return nil
}

func (r *StockRepo) touchQuery(codes []string, at time.Time) squirrel.UpdateBuilder {
	return r.builder.
		Update(stockRecordsTable).
		Set("last_synced_at", squirrel.Expr("GREATEST(last_synced_at, ?)", at)).
		Where("item_code = ANY(?)", codes)
}

// TouchSynced implements stock.Repository.
func (r *StockRepo) TouchSynced(ctx context.Context, codes []string, at time.Time) error {
	if len(codes) == 0 {
		return nil
	}
	sql, args, err := r.touchQuery(codes, at).ToSql()
	if err != nil {
		return fmt.Errorf("build touch: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("touch stock records: %w", err)
	}
	return nil
}

func (r *StockRepo) orphanQuery(at time.Time) squirrel.UpdateBuilder {
	return r.builder.
		Update(stockRecordsTable+" s").
		Set("orphaned_at", at).
		Set("updated_at", at).
		Where(squirrel.Eq{"s.orphaned_at": nil}).
		Where("NOT EXISTS (SELECT 1 FROM catalog_items c WHERE btrim(c.item_code) = s.item_code AND c.deletion_mark = false)")
}

// MarkOrphans implements stock.Repository.
func (r *StockRepo) MarkOrphans(ctx context.Context, at time.Time) (int, error) {
	sql, args, err := r.orphanQuery(at).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build orphan update: %w", err)
	}
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned stock records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
