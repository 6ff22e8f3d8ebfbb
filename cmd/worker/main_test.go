package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/domain/syncrun"
	"stocksync/pkg/logger"
)

type fakeRelay struct {
	batches []int
	err     error
	calls   int
}

func (r *fakeRelay) ProcessBatch(context.Context) (int, error) {
	r.calls++
	if r.err != nil {
		return 0, r.err
	}
	if len(r.batches) == 0 {
		return 0, nil
	}
	n := r.batches[0]
	r.batches = r.batches[1:]
	return n, nil
}

type fakeReaper struct {
	lease *syncrun.Lease
	err   error
	calls int
}

func (r *fakeReaper) RecoverStaleLock(context.Context) (*syncrun.Lease, error) {
	r.calls++
	lease := r.lease
	r.lease = nil
	return lease, r.err
}

type fakeCleaner struct {
	deleted int64
	calls   int
}

func (c *fakeCleaner) CleanupExpired(context.Context) (int64, error) {
	c.calls++
	return c.deleted, nil
}

func newTestWorker(relay Relay, reaper LockRecoverer) *Worker {
	return NewWorker(relay, reaper, &fakeCleaner{}, nil, logger.NewNop(), WorkerConfig{
		OutboxInterval:  time.Millisecond,
		ReaperInterval:  time.Hour,
		CleanupInterval: time.Hour,
		StatsInterval:   time.Hour,
	})
}

func TestDrainOutbox_UntilEmpty(t *testing.T) {
	relay := &fakeRelay{batches: []int{100, 100, 3}}
	w := newTestWorker(relay, &fakeReaper{})

	w.drainOutbox(context.Background())

	assert.Equal(t, 4, relay.calls)
}

func TestDrainOutbox_StopsOnError(t *testing.T) {
	relay := &fakeRelay{err: errors.New("connection reset")}
	w := newTestWorker(relay, &fakeReaper{})

	w.drainOutbox(context.Background())

	assert.Equal(t, 1, relay.calls)
}

func TestRun_RecoversLockOnStartup(t *testing.T) {
	reaper := &fakeReaper{lease: &syncrun.Lease{RunID: uuid.New(), Holder: "crashed"}}
	w := newTestWorker(&fakeRelay{}, reaper)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	require.GreaterOrEqual(t, reaper.calls, 1)
	assert.Nil(t, reaper.lease)
}

func TestCleanupIdempotency(t *testing.T) {
	cleaner := &fakeCleaner{deleted: 3}
	w := NewWorker(&fakeRelay{}, &fakeReaper{}, cleaner, nil, logger.NewNop(), WorkerConfig{})

	w.cleanupIdempotency(context.Background())

	assert.Equal(t, 1, cleaner.calls)
}
