package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"stocksync/internal/domain/syncrun"
)

// DefaultMaxAge bounds staleness when notifications are missed.
const DefaultMaxAge = 30 * time.Second

var _ syncrun.Repository = (*RunCache)(nil)

// RunCache caches the most recently finalized run in front of a run repository.
// Status polls read it every few seconds while it only changes once per run.
// Entries are dropped on Invalidate and after maxAge. Invalidate is wired to NOTIFY and
// called by the coordinator once a finalize transaction has committed.
type RunCache struct {
	syncrun.Repository

	maxAge time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu       sync.RWMutex
	last     *syncrun.Run
	loadedAt time.Time
	// generation guards against caching a load that raced an invalidation.
	generation uint64
}

// NewRunCache wraps repo.
func NewRunCache(repo syncrun.Repository, maxAge time.Duration) *RunCache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &RunCache{Repository: repo, maxAge: maxAge, now: time.Now}
}

// Invalidate drops the cached run.
func (c *RunCache) Invalidate() {
	c.mu.Lock()
	c.last = nil
	c.generation++
	c.mu.Unlock()
}

// OnNotification adapts Invalidate to a Listener subscription.
func (c *RunCache) OnNotification(string, string) {
	c.Invalidate()
}

// GetLastFinalized implements syncrun.Repository. Callers receive a copy.
func (c *RunCache) GetLastFinalized(ctx context.Context) (*syncrun.Run, error) {
	c.mu.RLock()
	last, loadedAt, gen := c.last, c.loadedAt, c.generation
	c.mu.RUnlock()

	if last != nil && c.now().Sub(loadedAt) < c.maxAge {
		return last.Clone(), nil
	}

	v, err, _ := c.group.Do("last", func() (any, error) {
		run, err := c.Repository.GetLastFinalized(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.last = run
			c.loadedAt = c.now()
		}
		c.mu.Unlock()
		return run, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*syncrun.Run).Clone(), nil
}
