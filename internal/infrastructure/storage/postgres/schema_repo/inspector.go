// Package schema_repo reads PostgreSQL catalogs for the sync system diagnostics.
package schema_repo

import (
	"context"
	"fmt"
	"slices"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stocksync/internal/domain/validation"
	"stocksync/internal/infrastructure/storage/postgres"
)

var _ validation.Inspector = (*Inspector)(nil)

// Inspector implements validation.Inspector against the current schema.
type Inspector struct {
	txManager *postgres.TxManager
}

// NewInspector creates a new schema inspector.
func NewInspector(txManager *postgres.TxManager) *Inspector {
	return &Inspector{txManager: txManager}
}

func (i *Inspector) exists(ctx context.Context, sql string, args ...any) (bool, error) {
	var ok bool
	if err := i.txManager.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// TableExists implements validation.Inspector.
func (i *Inspector) TableExists(ctx context.Context, table string) (bool, error) {
	ok, err := i.exists(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, table)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return ok, nil
}

// MissingColumns implements validation.Inspector.
func (i *Inspector) MissingColumns(ctx context.Context, table string, columns []string) ([]string, error) {
	query, args, err := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).
		Select("column_name").
		From("information_schema.columns").
		Where("table_schema = current_schema()").
		Where(squirrel.Eq{"table_name": table}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build columns query: %w", err)
	}

	var names []string
	if err := pgxscan.Select(ctx, i.txManager.GetQuerier(ctx), &names, query, args...); err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}

	present := make(map[string]struct{}, len(names))
	for _, name := range names {
		present[name] = struct{}{}
	}
	return missing(columns, present), nil
}

func missing(required []string, present map[string]struct{}) []string {
	var out []string
	for _, col := range required {
		if _, ok := present[col]; !ok {
			out = append(out, col)
		}
	}
	slices.Sort(out)
	return out
}

// indexSQL matches a unique index on exactly the given columns, or any index
// whose leading columns are the given ones.
const indexSQL = `
SELECT EXISTS (
	SELECT 1
	FROM pg_index i
	JOIN pg_class t ON t.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = t.relnamespace
	CROSS JOIN LATERAL (
		SELECT ARRAY(
			SELECT a.attname::text
			FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
			ORDER BY k.ord
		) AS cols
	) c
	WHERE n.nspname = current_schema()
	  AND t.relname = $1
	  AND CASE WHEN $3::bool
	      THEN i.indisunique AND i.indpred IS NULL AND c.cols = $2::text[]
	      ELSE c.cols[1:cardinality($2::text[])] = $2::text[]
	      END
)`

// IndexExists implements validation.Inspector.
func (i *Inspector) IndexExists(ctx context.Context, table string, columns []string, unique bool) (bool, error) {
	ok, err := i.exists(ctx, indexSQL, table, columns, unique)
	if err != nil {
		return false, fmt.Errorf("check index on %s: %w", table, err)
	}
	return ok, nil
}

// TriggerExists implements validation.Inspector.
func (i *Inspector) TriggerExists(ctx context.Context, table, trigger string) (bool, error) {
	ok, err := i.exists(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_trigger tg
			JOIN pg_class c ON c.oid = tg.tgrelid
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = current_schema() AND c.relname = $1
			  AND tg.tgname = $2 AND NOT tg.tgisinternal
		)`, table, trigger)
	if err != nil {
		return false, fmt.Errorf("check trigger %s: %w", trigger, err)
	}
	return ok, nil
}

// MaterializedViewExists implements validation.Inspector.
func (i *Inspector) MaterializedViewExists(ctx context.Context, view string) (bool, error) {
	ok, err := i.exists(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_matviews
			WHERE schemaname = current_schema() AND matviewname = $1
		)`, view)
	if err != nil {
		return false, fmt.Errorf("check view %s: %w", view, err)
	}
	return ok, nil
}

// CountItemsWithEmptyCode implements validation.Inspector.
func (i *Inspector) CountItemsWithEmptyCode(ctx context.Context) (int64, error) {
	var n int64
	err := i.txManager.GetQuerier(ctx).QueryRow(ctx, `
		SELECT count(*) FROM catalog_items
		WHERE deletion_mark = false AND btrim(coalesce(item_code, '')) = ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count empty item codes: %w", err)
	}
	return n, nil
}

// DuplicateItemCodes implements validation.Inspector.
func (i *Inspector) DuplicateItemCodes(ctx context.Context, limit int) ([]string, error) {
	rows, err := i.txManager.GetQuerier(ctx).Query(ctx, `
		SELECT btrim(item_code) AS code
		FROM catalog_items
		WHERE deletion_mark = false AND btrim(item_code) <> ''
		GROUP BY btrim(item_code)
		HAVING count(*) > 1
		ORDER BY code
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("find duplicate item codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan item code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// OrphanedRecordCodes implements validation.Inspector.
func (i *Inspector) OrphanedRecordCodes(ctx context.Context, limit int) ([]string, int64, error) {
	rows, err := i.txManager.GetQuerier(ctx).Query(ctx, `
		SELECT s.item_code, count(*) OVER () AS total
		FROM stock_records s
		WHERE NOT EXISTS (
			SELECT 1 FROM catalog_items c
			WHERE btrim(c.item_code) = s.item_code AND c.deletion_mark = false
		)
		ORDER BY s.item_code
		LIMIT $1`, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("find orphaned stock records: %w", err)
	}
	defer rows.Close()

	var (
		codes []string
		total int64
	)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code, &total); err != nil {
			return nil, 0, fmt.Errorf("scan orphaned record: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, total, rows.Err()
}
