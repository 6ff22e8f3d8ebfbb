package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/syncrun"
	"stocksync/internal/infrastructure/storage/memory"
)

// countingRepo counts GetLastFinalized calls that reach the store.
type countingRepo struct {
	*memory.RunRepo
	loads atomic.Int32
}

func (r *countingRepo) GetLastFinalized(ctx context.Context) (*syncrun.Run, error) {
	r.loads.Add(1)
	return r.RunRepo.GetLastFinalized(ctx)
}

func finishedRun(startedAt time.Time) syncrun.Run {
	run := syncrun.NewRun(syncrun.NewRunID(), "test", syncrun.TriggerManual, startedAt)
	run.Finalize(syncrun.Counts{Total: 1, Inserted: 1}, nil, false, "", startedAt.Add(time.Second))
	return *run
}

func newCache(t *testing.T) (*RunCache, *countingRepo, *time.Time) {
	t.Helper()
	store := memory.New()
	repo := &countingRepo{RunRepo: store.Runs()}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewRunCache(repo, time.Minute)
	c.now = func() time.Time { return now }
	return c, repo, &now
}

func TestRunCache_ServesFromCache(t *testing.T) {
	c, repo, _ := newCache(t)
	first := finishedRun(time.Now())
	repo.Put(first)

	for range 3 {
		got, err := c.GetLastFinalized(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	}
	assert.Equal(t, int32(1), repo.loads.Load())
}

func TestRunCache_InvalidateAndExpiry(t *testing.T) {
	c, repo, now := newCache(t)
	start := time.Now()
	repo.Put(finishedRun(start))

	_, err := c.GetLastFinalized(context.Background())
	require.NoError(t, err)

	second := finishedRun(start.Add(time.Minute))
	repo.Put(second)

	c.OnNotification("stocksync_run_finalized", second.ID.String())
	got, err := c.GetLastFinalized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, int32(2), repo.loads.Load())

	*now = now.Add(2 * time.Minute)
	_, err = c.GetLastFinalized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), repo.loads.Load())
}

func TestRunCache_NotFoundIsNotCached(t *testing.T) {
	c, repo, _ := newCache(t)
	ctx := context.Background()

	_, err := c.GetLastFinalized(ctx)
	assert.True(t, apperror.IsNotFound(err))

	run := finishedRun(time.Now())
	repo.Put(run)

	got, err := c.GetLastFinalized(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, int32(2), repo.loads.Load())
}

func TestRunCache_CallersCannotMutateCachedRun(t *testing.T) {
	c, repo, _ := newCache(t)
	ctx := context.Background()

	start := time.Now()
	run := syncrun.NewRun(syncrun.NewRunID(), "test", syncrun.TriggerManual, start)
	run.Finalize(syncrun.Counts{Total: 1, Errors: 1},
		[]syncrun.ItemError{{ItemCode: "A1", Message: "orig", Kind: syncrun.KindItemValidation}},
		false, "", start.Add(time.Second))
	repo.Put(*run)

	first, err := c.GetLastFinalized(ctx)
	require.NoError(t, err)
	first.Errors[0].Message = "changed by caller"
	*first.EndedAt = start.Add(time.Hour)

	second, err := c.GetLastFinalized(ctx)
	require.NoError(t, err)
	require.Len(t, second.Errors, 1)
	assert.Equal(t, "orig", second.Errors[0].Message)
	assert.Equal(t, start.Add(time.Second), *second.EndedAt)
	assert.Equal(t, int32(1), repo.loads.Load())
}

func TestListener_DispatchRecoversPanics(t *testing.T) {
	l := NewListener(nil, "stocksync_run_finalized")
	l.ctx = context.Background()

	var got []string
	l.Subscribe(func(string, string) { panic("boom") })
	l.Subscribe(func(channel, payload string) { got = append(got, channel+":"+payload) })

	l.dispatch("stocksync_run_finalized", "run-1")
	assert.Equal(t, []string{"stocksync_run_finalized:run-1"}, got)
}
