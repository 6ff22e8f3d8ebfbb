package schema

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationsFS, "migrations/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Equal(t, len(ups), len(downs))
}

func TestSource_FirstVersion(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestInitMigration_DeclaresSyncObjects(t *testing.T) {
	raw, err := migrationsFS.ReadFile("migrations/000001_init.up.sql")
	require.NoError(t, err)
	sql := string(raw)

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS catalog_items",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_stock_records_item_code ON stock_records (item_code)",
		"CREATE TRIGGER trg_stock_records_synced_monotonic",
		"CREATE TABLE IF NOT EXISTS sync_lock",
		"CREATE MATERIALIZED VIEW IF NOT EXISTS mv_stock_summary",
		"uq_mv_stock_summary_category",
	} {
		assert.Contains(t, sql, want)
	}
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/stock?sslmode=disable", MigrateURL("postgres://u:p@db:5432/stock?sslmode=disable"))
	assert.Equal(t, "pgx5://db/stock", MigrateURL("postgresql://db/stock"))
	assert.Equal(t, "pgx5://db/stock", MigrateURL("pgx5://db/stock"))
}

func TestIgnoreNoChange(t *testing.T) {
	assert.NoError(t, IgnoreNoChange(migrate.ErrNoChange))
	assert.NoError(t, IgnoreNoChange(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, IgnoreNoChange(boom), boom)
}

func TestIsNilVersion(t *testing.T) {
	assert.True(t, IsNilVersion(migrate.ErrNilVersion))
	assert.False(t, IsNilVersion(migrate.ErrNoChange))
}
