// Package main provides a CLI tool for seeding the catalog with demo items.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stocksync/internal/domain/auth"
	"stocksync/internal/domain/catalog"
	"stocksync/internal/infrastructure/storage/postgres"
	"stocksync/internal/infrastructure/storage/postgres/catalog_repo"
	"stocksync/pkg/logger"
)

var categories = []string{"tools", "fasteners", "electrical", "plumbing", "paint"}

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dbURL))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("connected to database")

	txManager := postgres.NewTxManager(pool)

	count := getEnvInt("SEED_ITEMS", 1000)
	invalid := getEnvInt("SEED_INVALID_ITEMS", 0)
	if err := seedCatalog(ctx, pool, txManager, log, count, invalid); err != nil {
		log.Fatalw("failed to seed catalog", "error", err)
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		if err := printDevToken(secret); err != nil {
			log.Warnw("failed to issue dev token", "error", err)
		}
	}

	log.Info("seeding completed successfully")
}

func seedCatalog(ctx context.Context, pool *postgres.Pool, txManager *postgres.TxManager, log *logger.Logger, count, invalid int) error {
	var existing int64
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM catalog_items`).Scan(&existing); err != nil {
		return fmt.Errorf("count catalog items: %w", err)
	}
	if existing > 0 {
		log.Infow("catalog already seeded, skipping", "items", existing)
		return nil
	}

	items := demoItems(count, invalid, time.Now().UTC())
	inserter := postgres.NewBatchInserter(txManager)

	var copied int64
	err := txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		n, err := inserter.CopyFromSlice(ctx, catalog_repo.TableName, catalog_repo.Columns, catalog_repo.Rows(items))
		copied = n
		return err
	})
	if err != nil {
		return err
	}

	log.Infow("catalog seeded", "items", copied, "invalid", invalid)
	return nil
}

// demoItems builds count items spread over the demo categories. The last invalid
// items have no name so a sync run reports them as item errors.
func demoItems(count, invalid int, now time.Time) []catalog.Item {
	items := make([]catalog.Item, 0, count)
	for i := range count {
		item := catalog.Item{
			ID:        uuid.Must(uuid.NewV7()),
			ItemCode:  fmt.Sprintf("ITEM-%06d", i+1),
			Name:      fmt.Sprintf("Demo item %d", i+1),
			Category:  categories[i%len(categories)],
			Unit:      "pcs",
			UnitPrice: decimal.NewFromInt(int64(i%50) + 1).Div(decimal.NewFromInt(4)),
			Quantity:  decimal.NewFromInt(int64(i % 120)),
			UpdatedAt: now,
		}
		if i >= count-invalid {
			item.Name = ""
		}
		items = append(items, item)
	}
	return items
}

func printDevToken(secret string) error {
	jwt := auth.NewJWTService(auth.DefaultJWTConfig(secret))
	token, expires, err := jwt.GenerateAccessToken("seed-admin", "admin@stocksync.local", []string{"admin"})
	if err != nil {
		return err
	}
	fmt.Printf("\nDev access token (expires %s):\n%s\n", expires.Format(time.RFC3339), token)
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
