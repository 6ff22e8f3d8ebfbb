package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"stocksync/internal/domain/syncrun"
	"stocksync/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// EventRunFinalized is emitted once per run when it leaves the running state.
const EventRunFinalized = "sync.run.finalized"

// ChannelRunFinalized is the NOTIFY channel signalled when a run finalizes.
// The payload is the run id. Delivery happens on commit of the finalize transaction.
const ChannelRunFinalized = "stocksync_run_finalized"

// MaxOutboxRetries is the number of attempts after which a message is parked as failed.
const MaxOutboxRetries = 5

// OutboxMessage represents a message in the transactional outbox.
type OutboxMessage struct {
	ID            uuid.UUID    `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   uuid.UUID    `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// OutboxPublisher writes events to the outbox table.
type OutboxPublisher struct {
	txManager *TxManager
}

// NewOutboxPublisher creates a new outbox publisher.
func NewOutboxPublisher(txManager *TxManager) *OutboxPublisher {
	return &OutboxPublisher{txManager: txManager}
}

// RunFinalized enqueues the summary of a finalized run.
// MUST be called inside the transaction that finalizes the run.
func (p *OutboxPublisher) RunFinalized(ctx context.Context, summary *syncrun.Summary) error {
	t := p.txManager.GetTx(ctx)
	if t == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate outbox id: %w", err)
	}

	_, err = t.Exec(ctx, `
		INSERT INTO sys_outbox (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, EntitySyncRun, summary.RunID, EventRunFinalized, payload, OutboxStatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}

	if _, err := t.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelRunFinalized, summary.RunID.String()); err != nil {
		return fmt.Errorf("notify run finalized: %w", err)
	}
	return nil
}

// OutboxHandler delivers outbox messages.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxHandlerFunc adapts a function to OutboxHandler.
type OutboxHandlerFunc func(ctx context.Context, msg *OutboxMessage) error

// Handle calls f.
func (f OutboxHandlerFunc) Handle(ctx context.Context, msg *OutboxMessage) error {
	return f(ctx, msg)
}

// OutboxRelay drains pending outbox messages. Several relays may run at once:
// each batch is claimed with FOR UPDATE SKIP LOCKED inside a single transaction.
type OutboxRelay struct {
	txManager *TxManager
	batch     *BatchExecutor
	batchSize int
	handler   OutboxHandler
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(txManager *TxManager, batchSize int, handler OutboxHandler) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		txManager: txManager,
		batch:     NewBatchExecutor(txManager),
		batchSize: batchSize,
		handler:   handler,
	}
}

const selectPendingOutbox = `
	SELECT id, aggregate_type, aggregate_id, event_type, payload, status,
	       retry_count, last_error, next_retry_at, created_at, published_at
	FROM sys_outbox
	WHERE status = $1
	  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
`

// ProcessBatch claims and delivers one batch of pending messages.
// Returns the number of messages delivered.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	delivered := 0
	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		rows, err := r.txManager.GetQuerier(ctx).Query(ctx, selectPendingOutbox, OutboxStatusPending, r.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}
		messages, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxMessage])
		if err != nil {
			return fmt.Errorf("scan outbox messages: %w", err)
		}

		updates := make([]BatchQuery, 0, len(messages))
		now := time.Now().UTC()
		for _, msg := range messages {
			if herr := r.handler.Handle(ctx, msg); herr != nil {
				logger.Warn(ctx, "outbox delivery failed",
					"message_id", msg.ID, "event_type", msg.EventType, "retry", msg.RetryCount+1, "error", herr)
				updates = append(updates, failedUpdate(msg, herr, now))
				continue
			}
			updates = append(updates, BatchQuery{
				SQL:  `UPDATE sys_outbox SET status = $1, published_at = $2 WHERE id = $3`,
				Args: []any{OutboxStatusPublished, now, msg.ID},
			})
			delivered++
		}
		return r.batch.ExecuteBatch(ctx, updates)
	})
	if err != nil {
		return 0, err
	}
	return delivered, nil
}

// failedUpdate schedules a retry with linear backoff, parking the message after MaxOutboxRetries.
func failedUpdate(msg *OutboxMessage, cause error, now time.Time) BatchQuery {
	next := now.Add(time.Duration(msg.RetryCount+1) * time.Minute)
	status := OutboxStatusPending
	if msg.RetryCount+1 >= MaxOutboxRetries {
		status = OutboxStatusFailed
	}
	return BatchQuery{
		SQL: `UPDATE sys_outbox
		      SET retry_count = retry_count + 1, last_error = $1, next_retry_at = $2, status = $3
		      WHERE id = $4`,
		Args: []any{cause.Error(), next, status, msg.ID},
	}
}

// LogHandler delivers messages to the structured log. It is the default sink
// when no broker is configured.
func LogHandler() OutboxHandler {
	return OutboxHandlerFunc(func(ctx context.Context, msg *OutboxMessage) error {
		var summary syncrun.Summary
		if err := json.Unmarshal(msg.Payload, &summary); err != nil {
			return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
		}
		logger.Info(ctx, "sync run event",
			"event_type", msg.EventType,
			"run_id", summary.RunID,
			"status", summary.Status,
			"total_items", summary.Total,
			"error_count", summary.Counts.Errors,
		)
		return nil
	})
}
