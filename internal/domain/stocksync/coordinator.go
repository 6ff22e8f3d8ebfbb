// Package stocksync coordinates reconciliation runs: it guarantees at most one run at a
// time through a leased lock, records run history and exposes status and statistics.
package stocksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/core/apperror"
	appctx "stocksync/internal/core/context"
	"stocksync/internal/core/tx"
	"stocksync/internal/domain/reconcile"
	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/syncrun"
	"stocksync/pkg/logger"
)

const (
	DefaultLockTTL = 5 * time.Minute

	// AbandonedMessage is recorded on runs whose lease expired before they finished.
	AbandonedMessage = "abandoned: lock lease expired"

	finalizeTimeout = 30 * time.Second
)

// ErrLeaseLost aborts a run whose lock was taken over by another holder.
var ErrLeaseLost = errors.New("sync lock lease lost")

// Config tunes the coordinator.
type Config struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration

	// Holder identifies this process in the lock row.
	Holder string

	// RefreshViewAfterRun chains a summary view refresh after every non-failed run.
	RefreshViewAfterRun bool
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LockTTL {
		c.HeartbeatInterval = c.LockTTL / 3
	}
	if c.Holder == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		c.Holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

// Runner executes one reconciliation pass.
type Runner interface {
	Run(ctx context.Context, onProgress reconcile.ProgressFunc) (*reconcile.Outcome, error)
}

// Notifier publishes the finalized run inside the finalize transaction.
type Notifier interface {
	RunFinalized(ctx context.Context, summary *syncrun.Summary) error
}

// Auditor records who triggered a run.
type Auditor interface {
	RecordRun(ctx context.Context, summary *syncrun.Summary) error
}

// ViewRefresher recomputes the stock summary view.
type ViewRefresher interface {
	RefreshStockSummaryView(ctx context.Context) *stockview.RefreshResult
}

// RunInvalidator is implemented by run repositories that cache finalized runs.
// Invalidate is called after a finalize transaction has committed.
type RunInvalidator interface {
	Invalidate()
}

// Metrics receives run telemetry.
type Metrics interface {
	RecordRun(ctx context.Context, summary *syncrun.Summary)
	RecordLockContention(ctx context.Context)
}

// Coordinator serializes reconciliation runs.
type Coordinator struct {
	engine Runner
	runs   syncrun.Repository
	locks  syncrun.LockRepository
	tx     tx.Manager
	cfg    Config

	notifier  Notifier
	auditor   Auditor
	refresher ViewRefresher
	metrics   Metrics

	now    func() time.Time
	tracer trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier publishes finalized runs.
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithAuditor records run attribution.
func WithAuditor(a Auditor) Option { return func(c *Coordinator) { c.auditor = a } }

// WithViewRefresher enables chained view refreshes when Config.RefreshViewAfterRun is set.
func WithViewRefresher(r ViewRefresher) Option { return func(c *Coordinator) { c.refresher = r } }

// WithMetrics records run telemetry.
func WithMetrics(m Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	engine Runner,
	runs syncrun.Repository,
	locks syncrun.LockRepository,
	txm tx.Manager,
	cfg Config,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		engine: engine,
		runs:   runs,
		locks:  locks,
		tx:     txm,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		tracer: otel.Tracer("stocksync/coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// TriggerManualSync runs a reconciliation pass on behalf of the caller in ctx.
func (c *Coordinator) TriggerManualSync(ctx context.Context) (*syncrun.Summary, error) {
	return c.Trigger(ctx, syncrun.TriggerManual)
}

// Trigger acquires the run lock and performs one reconciliation pass.
//
// When another run holds the lock a SYNC_IN_PROGRESS error is returned and no run is
// created. Otherwise a summary is always returned; if the pass aborted the summary has
// status failed and the error carries SYSTEM_ERROR with the abort message.
func (c *Coordinator) Trigger(ctx context.Context, source syncrun.TriggerSource) (*syncrun.Summary, error) {
	runID := syncrun.NewRunID()
	ctx, span := c.tracer.Start(ctx, "stocksync.Trigger",
		trace.WithAttributes(attribute.String("run_id", runID.String()), attribute.String("source", string(source))))
	defer span.End()

	log := logger.FromContext(ctx).WithComponent("stocksync").With("run_id", runID)

	acq, err := c.locks.TryAcquire(ctx, runID, c.cfg.Holder, c.cfg.LockTTL)
	if err != nil {
		span.RecordError(err)
		return nil, apperror.NewSystem(fmt.Errorf("acquire sync lock: %w", err))
	}
	if !acq.Acquired {
		if c.metrics != nil {
			c.metrics.RecordLockContention(ctx)
		}
		var active string
		if acq.Previous != nil {
			active = acq.Previous.RunID.String()
		}
		log.Infow("sync already in progress", "active_run_id", active)
		return nil, apperror.NewSyncInProgress(active)
	}

	detached := context.WithoutCancel(ctx)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { c.release(detached, runID) }) }
	defer release()

	if acq.Previous != nil {
		log.Warnw("took over expired sync lock", "previous_run_id", acq.Previous.RunID, "previous_holder", acq.Previous.Holder)
		c.abandon(detached, acq.Previous.RunID)
	}

	run := syncrun.NewRun(runID, appctx.CallerID(ctx), source, c.now())
	if err := c.runs.Create(ctx, run); err != nil {
		span.RecordError(err)
		err = fmt.Errorf("create sync run: %w", err)
		run.Finalize(syncrun.Counts{}, nil, true, err.Error(), c.now())
		return run.Summary(c.now()), apperror.NewSystem(err)
	}
	log.Infow("sync run started", "triggered_by", run.TriggeredBy, "source", source)

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stopHeartbeat := c.startHeartbeat(runCtx, runID, cancelRun)

	outcome, runErr := c.runEngine(runCtx, runID)
	stopHeartbeat()

	if runErr != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
			runErr = fmt.Errorf("%w: %w", ErrLeaseLost, runErr)
		}
		span.RecordError(runErr)
	}

	summary, err := c.finalize(detached, run, outcome, runErr)
	if err != nil {
		return summary, err
	}

	log.Infow("sync run finished",
		"status", summary.Status,
		"total_items", summary.Total,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"errors", summary.Counts.Errors,
		"orphaned", summary.Orphaned,
		"duration_seconds", summary.DurationSeconds,
	)

	// The run is final; pollers must see the lock free while the view refreshes.
	release()

	if c.cfg.RefreshViewAfterRun && c.refresher != nil && summary.Status != syncrun.StatusFailed {
		res := c.refresher.RefreshStockSummaryView(detached)
		if !res.Success {
			log.Warnw("chained view refresh failed", "message", res.Message)
		}
	}

	if runErr != nil {
		return summary, apperror.NewSystem(runErr).WithDetail("run_id", runID.String())
	}
	return summary, nil
}

// runEngine invokes the engine, converting a panic into an aborted outcome.
func (c *Coordinator) runEngine(ctx context.Context, runID uuid.UUID) (out *reconcile.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation panicked: %v", r)
			logger.Error(ctx, "reconciliation panicked", "run_id", runID, "panic", r)
			if out == nil {
				out = &reconcile.Outcome{}
			}
			out.Aborted = true
			out.Cause = err
		}
	}()

	return c.engine.Run(ctx, func(ctx context.Context, p reconcile.Progress) error {
		held, err := c.locks.Heartbeat(ctx, runID, c.cfg.LockTTL)
		if err != nil {
			logger.Warn(ctx, "heartbeat at batch boundary failed", "run_id", runID, "error", err)
		} else if !held {
			return ErrLeaseLost
		}
		if err := c.runs.UpdateProgress(ctx, runID, p.Counts); err != nil {
			logger.Warn(ctx, "persist run progress", "run_id", runID, "batch", p.Batch, "error", err)
		}
		return nil
	})
}

// finalize writes the terminal state of run and publishes it.
func (c *Coordinator) finalize(ctx context.Context, run *syncrun.Run, outcome *reconcile.Outcome, runErr error) (*syncrun.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	if outcome == nil {
		outcome = &reconcile.Outcome{Aborted: runErr != nil}
	}
	var message string
	if runErr != nil {
		outcome.Aborted = true
		message = runErr.Error()
	}
	run.Finalize(outcome.Counts, outcome.Errors, outcome.Aborted, message, c.now())
	summary := run.Summary(c.now())

	err := c.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		ok, err := c.runs.Finalize(ctx, run)
		if err != nil {
			return err
		}
		if !ok {
			return errRunNotRunning
		}
		if c.notifier != nil {
			return c.notifier.RunFinalized(ctx, summary)
		}
		return nil
	})
	c.invalidateRuns()

	switch {
	case errors.Is(err, errRunNotRunning):
		// Another holder abandoned this run after our lease expired.
		logger.Error(ctx, "sync run was finalized by another holder", "run_id", run.ID)
		if stored, getErr := c.runs.Get(ctx, run.ID); getErr == nil {
			summary = stored.Summary(c.now())
		}
		return summary, apperror.NewSystem(fmt.Errorf("%w: run %s was abandoned", ErrLeaseLost, run.ID))
	case err != nil:
		logger.Error(ctx, "finalize sync run", "run_id", run.ID, "error", err)
		return summary, apperror.NewSystem(fmt.Errorf("finalize sync run: %w", err))
	}

	if c.auditor != nil {
		if err := c.auditor.RecordRun(ctx, summary); err != nil {
			logger.Warn(ctx, "audit sync run", "run_id", run.ID, "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordRun(ctx, summary)
	}
	return summary, nil
}

var errRunNotRunning = errors.New("sync run is no longer running")

// abandon fails a run whose lease expired while it was still running.
func (c *Coordinator) abandon(ctx context.Context, runID uuid.UUID) {
	run, err := c.runs.Get(ctx, runID)
	if err != nil {
		if !apperror.IsNotFound(err) {
			logger.Warn(ctx, "load abandoned run", "run_id", runID, "error", err)
		}
		return
	}
	if run.Status != syncrun.StatusRunning {
		return
	}

	run.Abandon(AbandonedMessage, c.now())
	summary := run.Summary(c.now())
	err = c.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		ok, err := c.runs.Finalize(ctx, run)
		if err != nil || !ok {
			return err
		}
		if c.notifier != nil {
			return c.notifier.RunFinalized(ctx, summary)
		}
		return nil
	})
	if err != nil {
		logger.Warn(ctx, "fail abandoned run", "run_id", runID, "error", err)
		return
	}
	c.invalidateRuns()
	if c.metrics != nil {
		c.metrics.RecordRun(ctx, summary)
	}
	logger.Warn(ctx, "abandoned sync run marked failed", "run_id", runID)
}

func (c *Coordinator) invalidateRuns() {
	if inv, ok := c.runs.(RunInvalidator); ok {
		inv.Invalidate()
	}
}

func (c *Coordinator) release(ctx context.Context, runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()
	if err := c.locks.Release(ctx, runID); err != nil {
		logger.Error(ctx, "release sync lock", "run_id", runID, "error", err)
	}
}

// RecoverStaleLock releases a lock whose lease expired and fails its run.
// It returns the released lease, or nil when nothing was stale.
func (c *Coordinator) RecoverStaleLock(ctx context.Context) (*syncrun.Lease, error) {
	lease, err := c.locks.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sync lock: %w", err)
	}
	if lease == nil || lease.Active {
		return nil, nil
	}

	released, err := c.locks.ReleaseExpired(ctx, lease.RunID)
	if err != nil {
		return nil, fmt.Errorf("release expired sync lock: %w", err)
	}
	if !released {
		return nil, nil
	}

	logger.Warn(ctx, "released expired sync lock", "run_id", lease.RunID, "holder", lease.Holder, "expired_at", lease.ExpiresAt)
	c.abandon(ctx, lease.RunID)
	return lease, nil
}

// IsSyncRunning reports whether a run currently holds a live lease.
func (c *Coordinator) IsSyncRunning(ctx context.Context) (bool, error) {
	lease, err := c.locks.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("read sync lock: %w", err)
	}
	return lease != nil && lease.Active, nil
}

// GetLastSyncInfo returns the most recent finalized run.
func (c *Coordinator) GetLastSyncInfo(ctx context.Context) (*syncrun.Summary, error) {
	run, err := c.runs.GetLastFinalized(ctx)
	if err != nil {
		return nil, err
	}
	return run.Summary(c.now()), nil
}

// GetSyncStatistics aggregates runs started within the trailing window.
func (c *Coordinator) GetSyncStatistics(ctx context.Context, windowDays int) (*syncrun.Statistics, error) {
	days := syncrun.NormalizeWindowDays(windowDays)
	since := c.now().Add(-time.Duration(days) * 24 * time.Hour)

	agg, err := c.runs.Statistics(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("aggregate sync runs: %w", err)
	}
	return syncrun.BuildStatistics(*agg, days, since), nil
}

// GetRun returns the detail record of a run including its full error list.
func (c *Coordinator) GetRun(ctx context.Context, id uuid.UUID) (*syncrun.Summary, error) {
	run, err := c.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return run.Summary(c.now()), nil
}

// ListRuns returns run history, newest first.
func (c *Coordinator) ListRuns(ctx context.Context, filter syncrun.ListFilter) ([]*syncrun.Summary, error) {
	runs, err := c.runs.List(ctx, filter.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	now := c.now()
	out := make([]*syncrun.Summary, 0, len(runs))
	for i := range runs {
		out = append(out, runs[i].Summary(now))
	}
	return out, nil
}
