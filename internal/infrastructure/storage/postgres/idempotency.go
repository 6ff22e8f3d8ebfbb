package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"stocksync/internal/core/apperror"
)

// IdempotencyStatus represents the state of an idempotent operation.
type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "pending"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
)

// DefaultIdempotencyTTL is how long a completed response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// staleIdempotencyAfter reclaims pending keys whose request likely died with its process.
// It must exceed the longest manual run.
const staleIdempotencyAfter = 15 * time.Minute

// IdempotencyRecord stores the result of an idempotent operation.
type IdempotencyRecord struct {
	Key         string            `db:"idempotency_key"`
	UserID      string            `db:"user_id"`
	Operation   string            `db:"operation"`
	Status      IdempotencyStatus `db:"status"`
	RequestHash string            `db:"request_hash"`
	Response    []byte            `db:"response"`
	StatusCode  *int              `db:"response_status"`
	ContentType *string           `db:"response_content_type"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
	ExpiresAt   time.Time         `db:"expires_at"`

	// Inserted is true when this call created the row.
	Inserted bool `db:"inserted"`
}

// IdempotencyReplay is the cached HTTP response for replay.
type IdempotencyReplay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyStore manages idempotency keys in sys_idempotency.
type IdempotencyStore struct {
	txManager *TxManager
	ttl       time.Duration
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(txManager *TxManager, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{txManager: txManager, ttl: ttl}
}

const acquireIdempotencySQL = `
	INSERT INTO sys_idempotency (idempotency_key, user_id, operation, status, request_hash, created_at, updated_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
	ON CONFLICT (idempotency_key) DO UPDATE SET
		updated_at = CASE
			WHEN sys_idempotency.status = 'pending' AND sys_idempotency.updated_at < $8 THEN EXCLUDED.updated_at
			ELSE sys_idempotency.updated_at
		END
	RETURNING idempotency_key, user_id, operation, status, request_hash, response,
	          response_status, response_content_type, created_at, updated_at, expires_at,
	          (xmax = 0) AS inserted
`

// AcquireKey attempts to acquire an idempotency key.
// Returns:
//   - (nil, nil) if the caller owns the key and must run the request
//   - (replay, nil) if the operation already completed
//   - (nil, error) if the key is in flight or belongs to a different request
func (s *IdempotencyStore) AcquireKey(ctx context.Context, key, userID, operation, requestHash string) (*IdempotencyReplay, error) {
	// timestamptz keeps microseconds; truncate so the reclaim check can compare exactly.
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, acquireIdempotencySQL,
		key, userID, operation, IdempotencyStatusPending, requestHash, now, now.Add(s.ttl), now.Add(-staleIdempotencyAfter))
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[IdempotencyRecord])
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}

	return evaluateIdempotency(record, key, userID, operation, requestHash, now)
}

// evaluateIdempotency decides what a caller may do with an existing record.
func evaluateIdempotency(record IdempotencyRecord, key, userID, operation, requestHash string, now time.Time) (*IdempotencyReplay, error) {
	if record.Inserted {
		return nil, nil
	}

	if record.UserID != userID || record.Operation != operation || record.RequestHash != requestHash {
		return nil, apperror.NewIdempotencyMismatch(key).
			WithDetail("stored_operation", record.Operation).
			WithDetail("request_operation", operation)
	}

	switch record.Status {
	case IdempotencyStatusCompleted:
		if record.ExpiresAt.Before(now) {
			return nil, nil
		}
		replay := &IdempotencyReplay{StatusCode: 200, ContentType: "application/json", Body: record.Response}
		if record.StatusCode != nil {
			replay.StatusCode = *record.StatusCode
		}
		if record.ContentType != nil && *record.ContentType != "" {
			replay.ContentType = *record.ContentType
		}
		return replay, nil

	default:
		// The upsert bumped updated_at to now only if the pending key was stale.
		if record.UpdatedAt.Equal(now) {
			return nil, nil
		}
		return nil, apperror.NewIdempotencyConflict(key)
	}
}

// CompleteKey stores the response for replay.
func (s *IdempotencyStore) CompleteKey(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	now := time.Now().UTC()
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET status = $1,
		    response = $2,
		    response_status = $3,
		    response_content_type = $4,
		    updated_at = $5,
		    expires_at = $6
		WHERE idempotency_key = $7
	`, IdempotencyStatusCompleted, body, statusCode, contentType, now, now.Add(s.ttl), key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseKey forgets a pending key so the request can be retried with it.
func (s *IdempotencyStore) ReleaseKey(ctx context.Context, key string) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency WHERE idempotency_key = $1 AND status = $2
	`, key, IdempotencyStatusPending)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// CleanupExpired removes expired idempotency records.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency WHERE expires_at < $1
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
