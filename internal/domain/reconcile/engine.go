// Package reconcile diffs the catalog against the stock dataset and applies the result
// in sequential batches. Individual item failures are recorded and never abort a run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/core/apperror"
	"stocksync/internal/core/tx"
	"stocksync/internal/domain/catalog"
	"stocksync/internal/domain/stock"
	"stocksync/internal/domain/syncrun"
	"stocksync/pkg/logger"
)

const (
	DefaultBatchSize = 500
	MaxBatchSize     = 10000
)

// ClampBatchSize bounds n to [1, MaxBatchSize], mapping non-positive values to the default.
func ClampBatchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// Classification is the outcome of comparing one catalog item with its stock record.
type Classification string

const (
	ClassNew       Classification = "new"
	ClassChanged   Classification = "changed"
	ClassUnchanged Classification = "unchanged"
	ClassError     Classification = "error"
)

// ItemResult is the explicit per-item result of a reconciliation step.
type ItemResult struct {
	ItemCode       string
	Classification Classification

	// Record is the row to write for new and changed items.
	Record *stock.Record

	// Err is set for ClassError.
	Err *syncrun.ItemError
}

func errorResult(code string, kind syncrun.ErrorKind, msg string) ItemResult {
	return ItemResult{
		ItemCode:       code,
		Classification: ClassError,
		Err:            &syncrun.ItemError{ItemCode: code, Message: msg, Kind: kind},
	}
}

// Classify compares item with its existing record (nil when absent).
func Classify(item catalog.Item, existing *stock.Record, rules *RuleSet, at time.Time) ItemResult {
	code := catalog.NormalizeCode(item.ItemCode)

	if err := catalog.CheckItem(item); err != nil {
		return errorResult(code, syncrun.KindItemValidation, itemErrorMessage(err))
	}
	if err := rules.Check(item); err != nil {
		return errorResult(code, syncrun.KindItemValidation, itemErrorMessage(err))
	}

	rec := stock.FromItem(item, at)
	switch {
	case existing == nil:
		return ItemResult{ItemCode: code, Classification: ClassNew, Record: &rec}
	case existing.DiffersFrom(item):
		rec.CreatedAt = existing.CreatedAt
		return ItemResult{ItemCode: code, Classification: ClassChanged, Record: &rec}
	default:
		return ItemResult{ItemCode: code, Classification: ClassUnchanged}
	}
}

func itemErrorMessage(err error) string {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}

// Config tunes the engine.
type Config struct {
	BatchSize int
	Rules     *RuleSet
}

// Progress is reported after every batch.
type Progress struct {
	Batch  int
	Counts syncrun.Counts
}

// ProgressFunc is invoked at batch boundaries. Returning an error aborts the run.
type ProgressFunc func(ctx context.Context, p Progress) error

// Outcome is the aggregate result of one engine pass.
type Outcome struct {
	Counts  syncrun.Counts
	Errors  []syncrun.ItemError
	Batches int

	// Aborted is set when a catastrophic failure stopped processing early.
	// Counts then cover the items processed before the abort.
	Aborted bool
	Cause   error
}

// Engine runs reconciliation passes.
type Engine struct {
	catalog catalog.Reader
	stock   stock.Repository
	tx      tx.Manager
	cfg     Config
	now     func() time.Time
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(items catalog.Reader, records stock.Repository, txm tx.Manager, cfg Config, opts ...Option) *Engine {
	cfg.BatchSize = ClampBatchSize(cfg.BatchSize)
	e := &Engine{
		catalog: items,
		stock:   records,
		tx:      txm,
		cfg:     cfg,
		now:     time.Now,
		tracer:  otel.Tracer("stocksync/reconcile"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BatchSize returns the effective batch size.
func (e *Engine) BatchSize() int {
	return e.cfg.BatchSize
}

// Run performs one full pass over the catalog. The returned Outcome is never nil.
// A non-nil error means the pass aborted; it is also stored in Outcome.Cause.
func (e *Engine) Run(ctx context.Context, onProgress ProgressFunc) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Run",
		trace.WithAttributes(attribute.Int("batch_size", e.cfg.BatchSize)))
	defer span.End()

	out := &Outcome{Errors: []syncrun.ItemError{}}
	seen := make(map[string]struct{})
	after := uuid.Nil

	abort := func(err error) (*Outcome, error) {
		out.Aborted = true
		out.Cause = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return abort(fmt.Errorf("reconciliation cancelled: %w", err))
		}

		items, err := e.catalog.ListPage(ctx, after, e.cfg.BatchSize)
		if err != nil {
			return abort(fmt.Errorf("read catalog: %w", err))
		}
		if len(items) == 0 {
			break
		}
		after = items[len(items)-1].ID

		if err := e.processBatch(ctx, out.Batches+1, items, seen, out); err != nil {
			return abort(err)
		}
		out.Batches++

		if onProgress != nil {
			if err := onProgress(ctx, Progress{Batch: out.Batches, Counts: out.Counts}); err != nil {
				return abort(err)
			}
		}

		if len(items) < e.cfg.BatchSize {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return abort(fmt.Errorf("reconciliation cancelled: %w", err))
	}

	orphaned, err := e.markOrphans(ctx)
	if err != nil {
		return abort(fmt.Errorf("mark orphaned stock records: %w", err))
	}
	out.Counts.Orphaned = orphaned

	span.SetAttributes(
		attribute.Int("total_items", out.Counts.Total),
		attribute.Int("error_count", out.Counts.Errors),
		attribute.Int("orphaned_count", orphaned),
	)
	return out, nil
}

func (e *Engine) markOrphans(ctx context.Context) (int, error) {
	var n int
	err := e.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.stock.MarkOrphans(ctx, e.now())
		return err
	})
	return n, err
}

// processBatch classifies and applies one batch. Only a failed stock read is returned
// as an error; write failures are recorded against every item of the batch.
func (e *Engine) processBatch(ctx context.Context, batchNo int, items []catalog.Item, seen map[string]struct{}, out *Outcome) error {
	ctx, span := e.tracer.Start(ctx, "reconcile.batch",
		trace.WithAttributes(attribute.Int("batch", batchNo), attribute.Int("items", len(items))))
	defer span.End()

	itemCodes := make([]string, 0, len(items))
	for _, item := range items {
		if code := catalog.NormalizeCode(item.ItemCode); code != "" {
			itemCodes = append(itemCodes, code)
		}
	}

	existing, err := e.stock.GetByCodes(ctx, itemCodes)
	if err != nil {
		return fmt.Errorf("read stock records: %w", err)
	}

	at := e.now()
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		code := catalog.NormalizeCode(item.ItemCode)
		if code != "" {
			if _, dup := seen[code]; dup {
				results = append(results, errorResult(code, syncrun.KindItemValidation, "duplicate item_code in catalog"))
				continue
			}
			seen[code] = struct{}{}
		}

		var current *stock.Record
		if rec, ok := existing[code]; ok {
			current = &rec
		}
		results = append(results, Classify(item, current, e.cfg.Rules, at))
	}

	if err := e.apply(ctx, results, at); err != nil {
		logger.Warn(ctx, "batch persistence failed", "batch", batchNo, "error", err)
		span.RecordError(err)
		msg := apperror.NewPersistence("failed to persist batch", err).Error()
		for i, r := range results {
			if r.Classification != ClassError {
				results[i] = errorResult(r.ItemCode, syncrun.KindPersistence, msg)
			}
		}
	}

	for _, r := range results {
		out.Counts.Total++
		switch r.Classification {
		case ClassNew:
			out.Counts.Inserted++
		case ClassChanged:
			out.Counts.Updated++
		case ClassUnchanged:
			out.Counts.Unchanged++
		case ClassError:
			out.Counts.Errors++
			out.Errors = append(out.Errors, *r.Err)
		}
	}
	return nil
}

// apply writes a batch in one transaction.
func (e *Engine) apply(ctx context.Context, results []ItemResult, at time.Time) error {
	var upserts []stock.Record
	var touched []string
	for _, r := range results {
		switch r.Classification {
		case ClassNew, ClassChanged:
			upserts = append(upserts, *r.Record)
		case ClassUnchanged:
			touched = append(touched, r.ItemCode)
		}
	}
	if len(upserts) == 0 && len(touched) == 0 {
		return nil
	}

	return e.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		if len(upserts) > 0 {
			if err := e.stock.Upsert(ctx, upserts); err != nil {
				return fmt.Errorf("upsert: %w", err)
			}
		}
		if len(touched) > 0 {
			if err := e.stock.TouchSynced(ctx, touched, at); err != nil {
				return fmt.Errorf("touch: %w", err)
			}
		}
		return nil
	})
}

// IsCancellation reports whether an abort was caused by context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
