package sync_repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"stocksync/internal/domain/syncrun"
	"stocksync/internal/infrastructure/storage/postgres"
)

var _ syncrun.LockRepository = (*LockRepo)(nil)

// LockRepo implements syncrun.LockRepository on the single row of sync_lock.
// Expiry is judged by the database clock so hosts with skewed clocks agree.
type LockRepo struct {
	txManager *postgres.TxManager
}

// NewLockRepo creates a new lock repository.
func NewLockRepo(txManager *postgres.TxManager) *LockRepo {
	return &LockRepo{txManager: txManager}
}

// acquireSQL snapshots the previous holder and takes the row only when it is free
// or its lease expired. The upsert's WHERE is re-evaluated after a concurrent
// writer commits, so two callers cannot both win.
const acquireSQL = `
WITH prev AS (
	SELECT run_id, holder, acquired_at, heartbeat_at, expires_at
	FROM sync_lock
	WHERE id = 1 AND run_id IS NOT NULL
), taken AS (
	INSERT INTO sync_lock (id, run_id, holder, acquired_at, heartbeat_at, expires_at)
	VALUES (1, $1, $2, now(), now(), now() + $3::bigint * interval '1 millisecond')
	ON CONFLICT (id) DO UPDATE SET
		run_id = EXCLUDED.run_id,
		holder = EXCLUDED.holder,
		acquired_at = EXCLUDED.acquired_at,
		heartbeat_at = EXCLUDED.heartbeat_at,
		expires_at = EXCLUDED.expires_at
	WHERE sync_lock.run_id IS NULL OR sync_lock.expires_at < now()
	RETURNING run_id
)
SELECT EXISTS (SELECT 1 FROM taken) AS acquired,
       prev.run_id, prev.holder, prev.acquired_at, prev.heartbeat_at, prev.expires_at,
       prev.expires_at >= now() AS active
FROM (SELECT 1) AS one
LEFT JOIN prev ON true
`

const heartbeatSQL = `
UPDATE sync_lock
SET heartbeat_at = now(), expires_at = now() + $2::bigint * interval '1 millisecond'
WHERE id = 1 AND run_id = $1
`

const releaseSQL = `
UPDATE sync_lock
SET run_id = NULL, holder = NULL, acquired_at = NULL, heartbeat_at = NULL, expires_at = NULL
WHERE id = 1 AND run_id = $1
`

const releaseExpiredSQL = releaseSQL + ` AND expires_at < now()`

const currentSQL = `
SELECT run_id, holder, acquired_at, heartbeat_at, expires_at, expires_at >= now() AS active
FROM sync_lock
WHERE id = 1 AND run_id IS NOT NULL
`

// leaseRow is a lease whose columns are NULL while the lock is free.
type leaseRow struct {
	RunID       *uuid.UUID
	Holder      *string
	AcquiredAt  *time.Time
	HeartbeatAt *time.Time
	ExpiresAt   *time.Time
	Active      *bool
}

func (l leaseRow) lease() *syncrun.Lease {
	if l.RunID == nil {
		return nil
	}
	out := &syncrun.Lease{RunID: *l.RunID}
	if l.Holder != nil {
		out.Holder = *l.Holder
	}
	if l.AcquiredAt != nil {
		out.AcquiredAt = *l.AcquiredAt
	}
	if l.HeartbeatAt != nil {
		out.HeartbeatAt = *l.HeartbeatAt
	}
	if l.ExpiresAt != nil {
		out.ExpiresAt = *l.ExpiresAt
	}
	if l.Active != nil {
		out.Active = *l.Active
	}
	return out
}

func (l *leaseRow) dest() []any {
	return []any{&l.RunID, &l.Holder, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt, &l.Active}
}

// TryAcquire implements syncrun.LockRepository.
func (r *LockRepo) TryAcquire(ctx context.Context, runID uuid.UUID, holder string, ttl time.Duration) (syncrun.AcquireResult, error) {
	var (
		acquired bool
		prev     leaseRow
	)
	dest := append([]any{&acquired}, prev.dest()...)
	if err := r.txManager.GetQuerier(ctx).QueryRow(ctx, acquireSQL, runID, holder, ttl.Milliseconds()).Scan(dest...); err != nil {
		return syncrun.AcquireResult{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	return syncrun.AcquireResult{Acquired: acquired, Previous: prev.lease()}, nil
}

// Heartbeat implements syncrun.LockRepository.
func (r *LockRepo) Heartbeat(ctx context.Context, runID uuid.UUID, ttl time.Duration) (bool, error) {
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, heartbeatSQL, runID, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("heartbeat sync lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements syncrun.LockRepository.
func (r *LockRepo) Release(ctx context.Context, runID uuid.UUID) error {
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, releaseSQL, runID); err != nil {
		return fmt.Errorf("release sync lock: %w", err)
	}
	return nil
}

// ReleaseExpired implements syncrun.LockRepository.
func (r *LockRepo) ReleaseExpired(ctx context.Context, runID uuid.UUID) (bool, error) {
	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, releaseExpiredSQL, runID)
	if err != nil {
		return false, fmt.Errorf("release expired sync lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Current implements syncrun.LockRepository.
func (r *LockRepo) Current(ctx context.Context) (*syncrun.Lease, error) {
	var row leaseRow
	err := r.txManager.GetQuerier(ctx).QueryRow(ctx, currentSQL).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync lock: %w", err)
	}
	return row.lease(), nil
}
