package stocksync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stocksync/pkg/logger"
)

// startHeartbeat extends the lease of runID every HeartbeatInterval until the returned
// stop function is called. If the lease turns out to be held by someone else the run
// context is cancelled with ErrLeaseLost.
func (c *Coordinator) startHeartbeat(ctx context.Context, runID uuid.UUID, cancelRun context.CancelCauseFunc) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				held, err := c.locks.Heartbeat(hbCtx, runID, c.cfg.LockTTL)
				if err != nil {
					if hbCtx.Err() == nil {
						logger.Warn(ctx, "sync lock heartbeat failed", "run_id", runID, "error", err)
					}
					continue
				}
				if !held {
					logger.Error(ctx, "sync lock lease lost", "run_id", runID)
					cancelRun(ErrLeaseLost)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
