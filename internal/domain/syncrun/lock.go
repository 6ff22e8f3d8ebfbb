package syncrun

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lease describes the current holder of the singleton run lock.
type Lease struct {
	RunID       uuid.UUID `json:"run_id"`
	Holder      string    `json:"holder"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Active is false once ExpiresAt passed, judged by the store clock.
	Active bool `json:"active"`
}

// AcquireResult reports the outcome of a lock acquisition attempt.
type AcquireResult struct {
	Acquired bool

	// Previous is the lease that was taken over because it had expired,
	// or the lease that blocked acquisition. Nil when the lock was free.
	Previous *Lease
}

// LockRepository manages the singleton run lock.
// Acquisition is a single compare-and-set so concurrent callers cannot both win.
type LockRepository interface {
	// TryAcquire takes the lock for runID when it is free or its lease expired.
	TryAcquire(ctx context.Context, runID uuid.UUID, holder string, ttl time.Duration) (AcquireResult, error)

	// Heartbeat extends the lease held by runID. Returns false if runID no longer holds it.
	Heartbeat(ctx context.Context, runID uuid.UUID, ttl time.Duration) (bool, error)

	// Release frees the lock if runID holds it.
	Release(ctx context.Context, runID uuid.UUID) error

	// ReleaseExpired frees the lock if runID holds it and its lease expired.
	ReleaseExpired(ctx context.Context, runID uuid.UUID) (bool, error)

	// Current returns the lease or nil when the lock is free.
	Current(ctx context.Context) (*Lease, error)
}
