// Package main is the entry point for the stock synchronization maintenance worker.
// It dispatches outbox events and recovers sync locks left behind by crashed processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	appctx "stocksync/internal/core/context"
	"stocksync/internal/domain/stocksync"
	"stocksync/internal/domain/syncrun"
	"stocksync/internal/infrastructure/storage/postgres"
	"stocksync/internal/infrastructure/storage/postgres/sync_repo"
	"stocksync/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	log.Info("starting stocksync worker")

	poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
	poolCfg.ApplicationName = "stocksync-worker"
	poolCfg.MaxConns = 4
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)

	// The reaper never runs reconciliation; it only needs the lock and run stores.
	coordinator := stocksync.NewCoordinator(
		nil,
		sync_repo.NewRunRepo(txManager),
		sync_repo.NewLockRepo(txManager),
		txManager,
		stocksync.Config{LockTTL: getEnvDuration("SYNC_LOCK_TTL", stocksync.DefaultLockTTL)},
	)

	worker := NewWorker(
		postgres.NewOutboxRelay(txManager, getEnvInt("OUTBOX_BATCH_SIZE", 100), postgres.LogHandler()),
		coordinator,
		postgres.NewIdempotencyStore(txManager, 0),
		pool,
		log,
		WorkerConfig{
			OutboxInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			ReaperInterval:  getEnvDuration("LOCK_REAPER_INTERVAL", time.Minute),
			CleanupInterval: getEnvDuration("IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),
			StatsInterval:   getEnvDuration("POOL_STATS_INTERVAL", 5*time.Minute),
		},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// Relay drains one batch of outbox messages.
type Relay interface {
	ProcessBatch(ctx context.Context) (int, error)
}

// LockRecoverer frees an expired sync lock and fails its run.
type LockRecoverer interface {
	RecoverStaleLock(ctx context.Context) (*syncrun.Lease, error)
}

// ExpiredCleaner deletes expired idempotency keys.
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// WorkerConfig holds loop cadences.
type WorkerConfig struct {
	OutboxInterval  time.Duration
	ReaperInterval  time.Duration
	CleanupInterval time.Duration
	StatsInterval   time.Duration
}

// Worker runs the maintenance loops.
type Worker struct {
	relay   Relay
	reaper  LockRecoverer
	cleaner ExpiredCleaner
	pool    *postgres.Pool
	log     *logger.Logger
	cfg     WorkerConfig
}

// NewWorker creates a Worker.
func NewWorker(relay Relay, reaper LockRecoverer, cleaner ExpiredCleaner, pool *postgres.Pool, log *logger.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		relay:   relay,
		reaper:  reaper,
		cleaner: cleaner,
		pool:    pool,
		log:     log.WithComponent("worker"),
		cfg:     cfg,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	outboxTicker := time.NewTicker(w.cfg.OutboxInterval)
	defer outboxTicker.Stop()

	reaperTicker := time.NewTicker(w.cfg.ReaperInterval)
	defer reaperTicker.Stop()

	cleanupTicker := time.NewTicker(w.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	statsTicker := time.NewTicker(w.cfg.StatsInterval)
	defer statsTicker.Stop()

	// Recover immediately: a crashed server may have left its lease behind.
	w.reapLock(jobContext(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-outboxTicker.C:
			w.drainOutbox(jobContext(ctx))
		case <-reaperTicker.C:
			w.reapLock(jobContext(ctx))
		case <-cleanupTicker.C:
			w.cleanupIdempotency(jobContext(ctx))
		case <-statsTicker.C:
			if w.pool != nil {
				w.pool.LogStats(ctx)
			}
		}
	}
}

// jobContext gives every tick its own trace so its log lines can be correlated.
func jobContext(ctx context.Context) context.Context {
	return appctx.WithTrace(ctx, appctx.NewTraceContext())
}

// drainOutbox processes full batches back to back until the backlog is empty.
func (w *Worker) drainOutbox(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			w.log.WithContext(ctx).Errorw("outbox batch failed", "error", err)
			return
		}
		total += n
		if n == 0 {
			break
		}
	}
	if total > 0 {
		w.log.WithContext(ctx).Debugw("outbox drained", "delivered", total)
	}
}

func (w *Worker) reapLock(ctx context.Context) {
	lease, err := w.reaper.RecoverStaleLock(ctx)
	if err != nil {
		w.log.WithContext(ctx).Errorw("stale lock recovery failed", "error", err)
		return
	}
	if lease != nil {
		w.log.WithContext(ctx).Infow("recovered stale sync lock",
			"run_id", lease.RunID,
			"holder", lease.Holder,
			"expired_at", lease.ExpiresAt,
		)
	}
}

func (w *Worker) cleanupIdempotency(ctx context.Context) {
	n, err := w.cleaner.CleanupExpired(ctx)
	if err != nil {
		w.log.WithContext(ctx).Errorw("idempotency cleanup failed", "error", err)
		return
	}
	if n > 0 {
		w.log.WithContext(ctx).Infow("cleaned up idempotency keys", "count", n)
	}
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
