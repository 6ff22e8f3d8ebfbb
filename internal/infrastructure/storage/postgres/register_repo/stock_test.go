package register_repo

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stocksync/internal/domain/stock"
)

func TestUpsertQuery(t *testing.T) {
	repo := NewStockRepo(nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []stock.Record{
		{ItemCode: "A1", Name: "Anvil", Quantity: decimal.NewFromInt(1), LastSyncedAt: now, CreatedAt: now, UpdatedAt: now},
		{ItemCode: "B2", Name: "Bolt", Quantity: decimal.NewFromInt(2), LastSyncedAt: now, CreatedAt: now, UpdatedAt: now},
	}

	sql, args, err := repo.upsertQuery(records).ToSql()
	if err != nil {
		t.Fatalf("ToSql failed: %v", err)
	}

	wantPrefix := "INSERT INTO stock_records (item_code,name,description,category,unit,unit_price,quantity,last_synced_at,orphaned_at,created_at,updated_at) VALUES ("
	if !strings.HasPrefix(sql, wantPrefix) {
		t.Errorf("SQL prefix mismatch\nwant: %s\ngot:  %s", wantPrefix, sql)
	}
	if len(args) != 2*len(stockColumns) {
		t.Fatalf("Args count mismatch\nwant: %d\ngot:  %d", 2*len(stockColumns), len(args))
	}
	if args[0] != "A1" || args[len(stockColumns)] != "B2" {
		t.Errorf("Args order mismatch: %v", args)
	}

	for _, want := range []string{
		"ON CONFLICT (item_code) DO UPDATE SET",
		"last_synced_at = GREATEST(stock_records.last_synced_at, EXCLUDED.last_synced_at)",
		"orphaned_at = NULL",
		"quantity = EXCLUDED.quantity",
		"description = EXCLUDED.description",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("SQL missing %q\ngot: %s", want, sql)
		}
	}
	if strings.Contains(sql, "created_at = EXCLUDED") {
		t.Errorf("created_at must survive an update: %s", sql)
	}
}

func TestTouchQuery(t *testing.T) {
	repo := NewStockRepo(nil)
	at := time.Now().UTC()

	sql, args, err := repo.touchQuery([]string{"A1"}, at).ToSql()
	if err != nil {
		t.Fatalf("ToSql failed: %v", err)
	}
	want := "UPDATE stock_records SET last_synced_at = GREATEST(last_synced_at, $1) WHERE item_code = ANY($2)"
	if sql != want {
		t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", want, sql)
	}
	if len(args) != 2 || args[0] != at {
		t.Errorf("Args mismatch: %v", args)
	}
}

func TestOrphanQuery(t *testing.T) {
	repo := NewStockRepo(nil)
	at := time.Now().UTC()

	sql, args, err := repo.orphanQuery(at).ToSql()
	if err != nil {
		t.Fatalf("ToSql failed: %v", err)
	}
	want := "UPDATE stock_records s SET orphaned_at = $1, updated_at = $2 WHERE s.orphaned_at IS NULL AND " +
		"NOT EXISTS (SELECT 1 FROM catalog_items c WHERE btrim(c.item_code) = s.item_code AND c.deletion_mark = false)"
	if sql != want {
		t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", want, sql)
	}
	if len(args) != 2 {
		t.Fatalf("Args count mismatch: %d", len(args))
	}
}
