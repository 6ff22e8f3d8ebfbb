package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"stocksync/internal/domain/syncrun"
)

// LockRepo implements syncrun.LockRepository with the same compare-and-set
// semantics as the singleton lock row.
type LockRepo struct {
	s *Store
}

// snapshot copies the lease and evaluates expiry. Caller holds mu.
func (r *LockRepo) snapshot(now time.Time) *syncrun.Lease {
	if r.s.lease == nil {
		return nil
	}
	l := *r.s.lease
	l.Active = !l.ExpiresAt.Before(now)
	return &l
}

// TryAcquire implements syncrun.LockRepository.
func (r *LockRepo) TryAcquire(_ context.Context, runID uuid.UUID, holder string, ttl time.Duration) (syncrun.AcquireResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	prev := r.snapshot(now)
	if prev != nil && prev.Active {
		return syncrun.AcquireResult{Acquired: false, Previous: prev}, nil
	}

	r.s.lease = &syncrun.Lease{
		RunID:       runID,
		Holder:      holder,
		AcquiredAt:  now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	return syncrun.AcquireResult{Acquired: true, Previous: prev}, nil
}

// Heartbeat implements syncrun.LockRepository.
func (r *LockRepo) Heartbeat(_ context.Context, runID uuid.UUID, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.lease == nil || r.s.lease.RunID != runID {
		return false, nil
	}
	now := r.s.now()
	r.s.lease.HeartbeatAt = now
	r.s.lease.ExpiresAt = now.Add(ttl)
	return true, nil
}

// Release implements syncrun.LockRepository.
func (r *LockRepo) Release(_ context.Context, runID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.lease != nil && r.s.lease.RunID == runID {
		r.s.lease = nil
	}
	return nil
}

// ReleaseExpired implements syncrun.LockRepository.
func (r *LockRepo) ReleaseExpired(_ context.Context, runID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.lease == nil || r.s.lease.RunID != runID || !r.s.lease.ExpiresAt.Before(r.s.now()) {
		return false, nil
	}
	r.s.lease = nil
	return true, nil
}

// Current implements syncrun.LockRepository.
func (r *LockRepo) Current(_ context.Context) (*syncrun.Lease, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.snapshot(r.s.now()), nil
}
