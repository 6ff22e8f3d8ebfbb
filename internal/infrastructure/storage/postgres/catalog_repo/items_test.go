package catalog_repo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stocksync/internal/domain/catalog"
)

const selectCols = "id, item_code, name, description, category, unit, unit_price, quantity, deletion_mark, updated_at"

func TestPageQuery(t *testing.T) {
	repo := NewItemRepo(nil)
	after := uuid.MustParse("01900000-0000-7000-8000-000000000001")

	tests := []struct {
		name     string
		after    uuid.UUID
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "FirstPage",
			after:    uuid.Nil,
			wantSQL:  "SELECT " + selectCols + " FROM catalog_items WHERE deletion_mark = $1 ORDER BY id LIMIT 500",
			wantArgs: 1,
		},
		{
			name:     "NextPage",
			after:    after,
			wantSQL:  "SELECT " + selectCols + " FROM catalog_items WHERE deletion_mark = $1 AND id > $2 ORDER BY id LIMIT 500",
			wantArgs: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := repo.pageQuery(tt.after, 500).ToSql()
			if err != nil {
				t.Fatalf("ToSql failed: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", tt.wantSQL, sql)
			}
			if len(args) != tt.wantArgs {
				t.Fatalf("Args count mismatch\nwant: %d\ngot:  %d", tt.wantArgs, len(args))
			}
			if args[0] != false {
				t.Errorf("deletion_mark arg mismatch: %v", args[0])
			}
		})
	}
}

func TestRows_FollowColumnOrder(t *testing.T) {
	id := uuid.New()
	rows := Rows([]catalog.Item{{
		ID:       id,
		ItemCode: "A1",
		Name:     "Anvil",
		Quantity: decimal.NewFromInt(3),
	}})

	if len(rows) != 1 || len(rows[0]) != len(Columns) {
		t.Fatalf("unexpected shape: %v", rows)
	}
	if rows[0][0] != id {
		t.Errorf("id mismatch: %v", rows[0][0])
	}
	if rows[0][1] != "A1" {
		t.Errorf("item_code mismatch: %v", rows[0][1])
	}
}
