package stocksync

import (
	"context"
	"fmt"
	"time"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/syncrun"
	"stocksync/pkg/logger"
)

// Polling cadence for consumers observing run progress.
const (
	RunningPollInterval = 2 * time.Second
	IdlePollInterval    = 30 * time.Second
)

// PollInterval returns how long a consumer should wait before polling again.
func PollInterval(running bool) time.Duration {
	if running {
		return RunningPollInterval
	}
	return IdlePollInterval
}

// Status is the consumer-facing snapshot of synchronization state.
type Status struct {
	Running         bool             `json:"running"`
	ActiveRun       *syncrun.Summary `json:"active_run,omitempty"`
	Lease           *syncrun.Lease   `json:"lease,omitempty"`
	LastRun         *syncrun.Summary `json:"last_run,omitempty"`
	NextPollSeconds int              `json:"next_poll_seconds"`
}

// Status returns the current synchronization state.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	lease, err := c.locks.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sync lock: %w", err)
	}

	st := &Status{Lease: lease}
	if lease != nil && lease.Active {
		st.Running = true
		if active, err := c.runs.Get(ctx, lease.RunID); err == nil {
			st.ActiveRun = active.Summary(c.now())
		} else if !apperror.IsNotFound(err) {
			return nil, fmt.Errorf("load active run: %w", err)
		}
	}

	last, err := c.GetLastSyncInfo(ctx)
	switch {
	case err == nil:
		st.LastRun = last
	case !apperror.IsNotFound(err):
		return nil, fmt.Errorf("load last run: %w", err)
	}

	st.NextPollSeconds = int(PollInterval(st.Running) / time.Second)
	return st, nil
}

// StatusSource provides status snapshots to a Poller.
type StatusSource interface {
	Status(ctx context.Context) (*Status, error)
}

// Poller observes synchronization state at the cadence returned by PollInterval.
type Poller struct {
	source   StatusSource
	onStatus func(*Status)
	running  time.Duration
	idle     time.Duration
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollIntervals overrides the running and idle intervals.
func WithPollIntervals(running, idle time.Duration) PollerOption {
	return func(p *Poller) {
		p.running = running
		p.idle = idle
	}
}

// NewPoller creates a Poller invoking onStatus with every snapshot.
func NewPoller(source StatusSource, onStatus func(*Status), opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		onStatus: onStatus,
		running:  RunningPollInterval,
		idle:     IdlePollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is done. Status read failures are logged and retried at the idle cadence.
func (p *Poller) Run(ctx context.Context) error {
	for {
		wait := p.idle
		st, err := p.source.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn(ctx, "poll sync status", "error", err)
		} else {
			p.onStatus(st)
			if st.Running {
				wait = p.running
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitIdle polls until no run is active and returns the last finalized run.
func (p *Poller) WaitIdle(ctx context.Context) (*syncrun.Summary, error) {
	var last *syncrun.Summary
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := NewPoller(p.source, func(st *Status) {
		if !st.Running {
			last = st.LastRun
			cancel()
		}
	}, WithPollIntervals(p.running, p.idle)).Run(pollCtx)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && pollCtx.Err() == nil {
		return nil, err
	}
	return last, nil
}
