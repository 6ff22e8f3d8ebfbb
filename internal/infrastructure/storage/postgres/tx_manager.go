package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stocksync/internal/core/tx"
	"stocksync/pkg/logger"
)

var tracer = otel.Tracer("stocksync/tx")

var _ tx.Manager = (*TxManager)(nil)

// TxOptions configures transaction behavior.
type TxOptions struct {
	// IsolationLevel: pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted
	IsolationLevel pgx.TxIsoLevel

	// AccessMode: pgx.ReadWrite, pgx.ReadOnly
	AccessMode pgx.TxAccessMode

	// StatementTimeout bounds every statement of the transaction (0 disables)
	StatementTimeout time.Duration

	// UseSavepoint makes a nested call roll back independently of the outer transaction
	UseSavepoint bool
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
	}
}

// TxManager runs units of work in PostgreSQL transactions. The active transaction
// travels in the context so repositories pick it up through GetQuerier.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a new transaction manager.
func NewTxManager(pool *Pool) *TxManager {
	return &TxManager{pool: pool.Pool}
}

type txKey struct{}

// Tx wraps pgx.Tx.
type Tx struct {
	pgx.Tx
	depth int
}

// RunInTransaction executes fn within a transaction.
// If a transaction already exists in ctx, it is reused.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransactionWithOptions(ctx, DefaultTxOptions(), fn)
}

// RunInTransactionWithOptions executes fn with custom transaction options.
func (m *TxManager) RunInTransactionWithOptions(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	if existing := m.GetTx(ctx); existing != nil {
		return m.runNested(ctx, existing, opts, fn)
	}

	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("tx.isolation", string(opts.IsolationLevel)),
			attribute.String("tx.access_mode", string(opts.AccessMode)),
		))
	defer span.End()

	if err := m.runNew(ctx, opts, fn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (m *TxManager) runNew(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	pgTx, err := m.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   opts.IsolationLevel,
		AccessMode: opts.AccessMode,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.StatementTimeout > 0 {
		if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds())); err != nil {
			m.rollback(ctx, pgTx, err)
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	txCtx := context.WithValue(ctx, txKey{}, &Tx{Tx: pgTx})
	if err := fn(txCtx); err != nil {
		m.rollback(ctx, pgTx, err)
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollback uses a detached context so a cancelled caller still releases the connection cleanly.
func (m *TxManager) rollback(ctx context.Context, pgTx pgx.Tx, cause error) {
	if err := pgTx.Rollback(context.WithoutCancel(ctx)); err != nil {
		logger.Error(ctx, "rollback failed", "error", err, "original_error", cause)
	}
}

func (m *TxManager) runNested(ctx context.Context, existing *Tx, opts TxOptions, fn func(ctx context.Context) error) error {
	if !opts.UseSavepoint {
		return fn(ctx)
	}

	nested := &Tx{Tx: existing.Tx, depth: existing.depth + 1}
	savepoint := fmt.Sprintf("sp_%d", nested.depth)
	if _, err := existing.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, nested)); err != nil {
		if _, rbErr := existing.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			logger.Error(ctx, "rollback to savepoint failed", "savepoint", savepoint, "error", rbErr)
		}
		return err
	}

	if _, err := existing.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// GetTx returns the current transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok {
		return t
	}
	return nil
}

// Querier is satisfied by both the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the transaction in ctx, or the pool outside a transaction.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.pool
}

// Pool returns the underlying pool.
func (m *TxManager) Pool() *pgxpool.Pool {
	return m.pool
}
