// Package catalog_repo provides the PostgreSQL reader for the item catalog.
package catalog_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"stocksync/internal/domain/catalog"
	"stocksync/internal/infrastructure/storage/postgres"
)

// TableName is the catalog table.
const TableName = "catalog_items"

// Columns lists the catalog_items columns in catalog.Item order.
var Columns = postgres.ExtractDBColumns[catalog.Item]()

var _ catalog.Reader = (*ItemRepo)(nil)

// ItemRepo implements catalog.Reader.
type ItemRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewItemRepo creates a new catalog item repository.
func NewItemRepo(txManager *postgres.TxManager) *ItemRepo {
	return &ItemRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// pageQuery builds the keyset query for one page of active items.
func (r *ItemRepo) pageQuery(after uuid.UUID, limit int) squirrel.SelectBuilder {
	q := r.builder.
		Select(Columns...).
		From(TableName).
		Where(squirrel.Eq{"deletion_mark": false})
	if after != uuid.Nil {
		q = q.Where(squirrel.Gt{"id": after})
	}
	return q.OrderBy("id").Limit(uint64(limit))
}

// ListPage implements catalog.Reader.
func (r *ItemRepo) ListPage(ctx context.Context, after uuid.UUID, limit int) ([]catalog.Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	sql, args, err := r.pageQuery(after, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var items []catalog.Item
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select catalog page: %w", err)
	}
	return items, nil
}

// Rows converts items to COPY rows ordered as Columns.
func Rows(items []catalog.Item) [][]any {
	rows := make([][]any, 0, len(items))
	for i := range items {
		rows = append(rows, postgres.ColumnValues(&items[i], Columns))
	}
	return rows
}
