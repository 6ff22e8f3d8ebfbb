// Package main is the entry point for the stock synchronization API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"stocksync/internal/domain/auth"
	"stocksync/internal/domain/reconcile"
	"stocksync/internal/domain/stocksync"
	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/validation"
	"stocksync/internal/infrastructure/cache"
	v1 "stocksync/internal/infrastructure/http/v1"
	"stocksync/internal/infrastructure/storage/postgres"
	"stocksync/internal/infrastructure/storage/postgres/catalog_repo"
	"stocksync/internal/infrastructure/storage/postgres/register_repo"
	"stocksync/internal/infrastructure/storage/postgres/report_repo"
	"stocksync/internal/infrastructure/storage/postgres/schema_repo"
	"stocksync/internal/infrastructure/storage/postgres/sync_repo"
	"stocksync/internal/telemetry"
	"stocksync/pkg/logger"
)

var version = "dev"

func main() {
	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := logger.WithLogger(context.Background(), log)
	log.Infow("starting stocksync server", "version", version)

	// --- Database ---
	poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
	poolCfg.ApplicationName = "stocksync-server"
	if maxConns := getEnvInt("DB_MAX_CONNS", 10); maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	log.Info("database connection established")

	txManager := postgres.NewTxManager(pool)

	// --- Metrics ---
	provider, err := telemetry.NewPrometheusProvider()
	if err != nil {
		log.Fatalw("failed to create metrics provider", "error", err)
	}
	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		log.Fatalw("failed to create metrics", "error", err)
	}

	// --- Reconciliation engine ---
	rules, err := reconcile.ParseRules(getEnv("SYNC_ITEM_RULES", ""))
	if err != nil {
		log.Fatalw("invalid SYNC_ITEM_RULES", "error", err)
	}
	engine := reconcile.NewEngine(
		catalog_repo.NewItemRepo(txManager),
		register_repo.NewStockRepo(txManager),
		txManager,
		reconcile.Config{
			BatchSize: getEnvInt("SYNC_BATCH_SIZE", reconcile.DefaultBatchSize),
			Rules:     rules,
		},
	)
	log.Infow("reconciliation engine configured", "batch_size", engine.BatchSize(), "rules", rules.Len())

	// --- Summary view ---
	views := stockview.NewRefresher(report_repo.NewSummaryRepo(txManager))

	// --- Audit ---
	auditor, err := postgres.NewAuditService(txManager)
	if err != nil {
		log.Fatalw("failed to create audit service", "error", err)
	}
	defer auditor.Close()

	// --- Run history ---
	// Status polls hit the last finalized run; cache it until a finalize NOTIFY arrives.
	runs := cache.NewRunCache(sync_repo.NewRunRepo(txManager), getEnvDuration("RUN_CACHE_MAX_AGE", cache.DefaultMaxAge))
	listener := cache.NewListener(pool.Pool, postgres.ChannelRunFinalized)
	listener.Subscribe(runs.OnNotification)
	listener.Start(ctx)
	defer listener.Stop()

	// --- Coordinator ---
	locks := sync_repo.NewLockRepo(txManager)
	coordinator := stocksync.NewCoordinator(
		engine,
		runs,
		locks,
		txManager,
		stocksync.Config{
			LockTTL:             getEnvDuration("SYNC_LOCK_TTL", stocksync.DefaultLockTTL),
			HeartbeatInterval:   getEnvDuration("SYNC_LOCK_HEARTBEAT", 0),
			Holder:              getEnv("SYNC_LOCK_HOLDER", ""),
			RefreshViewAfterRun: getEnvBool("SYNC_REFRESH_VIEW_AFTER_RUN", false),
		},
		stocksync.WithNotifier(postgres.NewOutboxPublisher(txManager)),
		stocksync.WithAuditor(auditor),
		stocksync.WithMetrics(metrics),
		stocksync.WithViewRefresher(telemetry.InstrumentedRefresher{Refresher: views, Metrics: metrics}),
	)
	cfg := coordinator.Config()
	log.Infow("sync coordinator configured",
		"holder", cfg.Holder,
		"lock_ttl", cfg.LockTTL,
		"heartbeat", cfg.HeartbeatInterval,
		"refresh_view_after_run", cfg.RefreshViewAfterRun,
	)

	validator := validation.NewService(schema_repo.NewInspector(txManager), locks)

	// --- JWT ---
	// Without a secret the caller identity comes from the gateway headers.
	routerCfg := v1.RouterConfig{
		Logger:         log,
		DB:             pool,
		Sync:           coordinator,
		Validator:      validator,
		Views:          views,
		Audit:          auditor,
		Idempotency:    postgres.NewIdempotencyStore(txManager, getEnvDuration("IDEMPOTENCY_TTL", postgres.DefaultIdempotencyTTL)),
		MetricsHandler: provider.Handler(),
		Version:        version,
	}
	if secret := getEnv("JWT_SECRET", ""); secret != "" {
		routerCfg.JWTValidator = auth.NewJWTService(auth.DefaultJWTConfig(secret))
	} else {
		log.Warn("JWT_SECRET not set, trusting gateway identity headers")
	}

	router := v1.NewRouter(routerCfg)

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// A manual run answers only when the pass completes.
		WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Minute),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warnw("metrics provider shutdown failed", "error", err)
	}

	log.Info("server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
