package stocksync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/core/apperror"
	appctx "stocksync/internal/core/context"
	"stocksync/internal/domain/catalog"
	"stocksync/internal/domain/reconcile"
	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/syncrun"
	"stocksync/internal/infrastructure/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingMetrics struct {
	runs       atomic.Int32
	contention atomic.Int32
}

func (m *recordingMetrics) RecordRun(context.Context, *syncrun.Summary) { m.runs.Add(1) }
func (m *recordingMetrics) RecordLockContention(context.Context)        { m.contention.Add(1) }

type recordingAuditor struct {
	mu      sync.Mutex
	callers []string
}

func (a *recordingAuditor) RecordRun(_ context.Context, s *syncrun.Summary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callers = append(a.callers, s.TriggeredBy)
	return nil
}

// blockingRunner holds a run open until release is closed.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, _ reconcile.ProgressFunc) (*reconcile.Outcome, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return &reconcile.Outcome{Counts: syncrun.Counts{Total: 1, Inserted: 1}}, nil
	case <-ctx.Done():
		return &reconcile.Outcome{Aborted: true}, ctx.Err()
	}
}

type panickingRunner struct{}

func (panickingRunner) Run(context.Context, reconcile.ProgressFunc) (*reconcile.Outcome, error) {
	panic("nil map write")
}

type fakeRefresher struct{ calls atomic.Int32 }

func (f *fakeRefresher) RefreshStockSummaryView(context.Context) *stockview.RefreshResult {
	f.calls.Add(1)
	return &stockview.RefreshResult{Success: true}
}

func testItem(code, name string) catalog.Item {
	return catalog.Item{ItemCode: code, Name: name, Category: "c", Unit: "pcs", UnitPrice: decimal.NewFromInt(2), Quantity: decimal.NewFromInt(3)}
}

func newCoordinator(store *memory.Store, runner Runner, opts ...Option) *Coordinator {
	if runner == nil {
		runner = reconcile.NewEngine(store.Catalog(), store.Stock(), store, reconcile.Config{BatchSize: 2})
	}
	return NewCoordinator(runner, store.Runs(), store.Locks(), store, Config{Holder: "test"}, opts...)
}

func userCtx(id string) context.Context {
	return appctx.WithUser(context.Background(), &appctx.UserContext{UserID: id})
}

func TestTrigger_Succeeds(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"), testItem("A2", "Axe"), testItem("A3", "Awl"))
	metrics := &recordingMetrics{}
	auditor := &recordingAuditor{}
	c := newCoordinator(store, nil, WithNotifier(store), WithMetrics(metrics), WithAuditor(auditor))

	summary, err := c.TriggerManualSync(userCtx("u-7"))
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusSucceeded, summary.Status)
	assert.True(t, summary.Success)
	assert.Equal(t, 3, summary.Inserted)
	assert.Equal(t, "u-7", summary.TriggeredBy)
	assert.Equal(t, syncrun.TriggerManual, summary.TriggerSource)

	running, err := c.IsSyncRunning(context.Background())
	require.NoError(t, err)
	assert.False(t, running, "lock must be released")

	stored, err := c.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusSucceeded, stored.Status)
	assert.True(t, stored.Balanced())

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, summary.RunID, events[0].Summary.RunID)
	assert.Equal(t, int32(1), metrics.runs.Load())
	assert.Equal(t, []string{"u-7"}, auditor.callers)

	last, err := c.GetLastSyncInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, last.RunID)
}

func TestTrigger_Partial(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"), testItem("", "Nameless"), testItem("A3", "Awl"))
	c := newCoordinator(store, nil)

	summary, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusPartial, summary.Status)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Counts.Errors)
	assert.Equal(t, appctx.SystemUserID, summary.TriggeredBy)
	assert.Contains(t, summary.Message, "item_code is required")
}

func TestTrigger_AllItemsFailed(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", ""), testItem("A2", ""))
	c := newCoordinator(store, nil)

	summary, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusFailed, summary.Status)
	assert.False(t, summary.Success)
}

func TestTrigger_WhileRunningCreatesNoRun(t *testing.T) {
	store := memory.New()
	metrics := &recordingMetrics{}
	runner := newBlockingRunner()
	c := newCoordinator(store, runner, WithMetrics(metrics))

	done := make(chan *syncrun.Summary)
	go func() {
		s, _ := c.TriggerManualSync(context.Background())
		done <- s
	}()
	<-runner.started

	running, err := c.IsSyncRunning(context.Background())
	require.NoError(t, err)
	require.True(t, running)

	var wg sync.WaitGroup
	var conflicts atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.TriggerManualSync(context.Background())
			if apperror.IsSyncInProgress(err) && s == nil {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), conflicts.Load())
	assert.Equal(t, int32(5), metrics.contention.Load())

	close(runner.release)
	first := <-done
	assert.Equal(t, syncrun.StatusSucceeded, first.Status)

	runs, err := c.ListRuns(context.Background(), syncrun.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestTrigger_ConcurrentTriggersExclusive(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"))
	c := newCoordinator(store, nil)

	var wg sync.WaitGroup
	var ok, conflict atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.TriggerManualSync(context.Background())
			switch {
			case err == nil:
				ok.Add(1)
			case apperror.IsSyncInProgress(err):
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), ok.Load()+conflict.Load())
	runs, err := c.ListRuns(context.Background(), syncrun.ListFilter{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, runs, int(ok.Load()))

	// finalized runs never overlap
	for i := range runs {
		for j := range runs {
			if i == j {
				continue
			}
			a, b := runs[i], runs[j]
			overlap := a.StartedAt.Before(*b.EndedAt) && b.StartedAt.Before(*a.EndedAt)
			assert.False(t, overlap)
		}
	}
}

func TestTrigger_CatalogFailureAbortsAndReleases(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"))
	store.SetHooks(memory.Hooks{ListPage: func(uuid.UUID) error { return errors.New("connection refused") }})
	c := newCoordinator(store, nil, WithNotifier(store))

	summary, err := c.TriggerManualSync(context.Background())
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeSystem))
	require.NotNil(t, summary)
	assert.Equal(t, syncrun.StatusFailed, summary.Status)
	assert.Contains(t, summary.Message, "connection refused")

	running, _ := c.IsSyncRunning(context.Background())
	assert.False(t, running)

	stored, err := c.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusFailed, stored.Status)
}

func TestTrigger_PanicIsContained(t *testing.T) {
	store := memory.New()
	c := newCoordinator(store, panickingRunner{})

	summary, err := c.TriggerManualSync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map write")
	assert.Equal(t, syncrun.StatusFailed, summary.Status)

	running, _ := c.IsSyncRunning(context.Background())
	assert.False(t, running)
}

func TestTrigger_TakesOverExpiredLease(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))
	c := newCoordinator(store, nil, WithClock(clock.Now))

	crashed := syncrun.NewRun(syncrun.NewRunID(), "u-1", syncrun.TriggerManual, clock.Now())
	require.NoError(t, store.Runs().Create(context.Background(), crashed))
	acq, err := store.Locks().TryAcquire(context.Background(), crashed.ID, "dead-host", time.Minute)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	_, err = c.TriggerManualSync(context.Background())
	require.True(t, apperror.IsSyncInProgress(err))

	clock.Advance(2 * time.Minute)
	summary, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusSucceeded, summary.Status)

	old, err := c.GetRun(context.Background(), crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusFailed, old.Status)
	assert.Equal(t, AbandonedMessage, old.Message)
}

func TestRecoverStaleLock(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	store := memory.New(memory.WithClock(clock.Now))
	c := newCoordinator(store, nil, WithClock(clock.Now))

	lease, err := c.RecoverStaleLock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lease)

	crashed := syncrun.NewRun(syncrun.NewRunID(), "u-1", syncrun.TriggerScheduled, clock.Now())
	require.NoError(t, store.Runs().Create(context.Background(), crashed))
	_, err = store.Locks().TryAcquire(context.Background(), crashed.ID, "dead-host", time.Minute)
	require.NoError(t, err)

	lease, err = c.RecoverStaleLock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lease, "live lease must not be released")

	clock.Advance(time.Hour)
	lease, err = c.RecoverStaleLock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, crashed.ID, lease.RunID)

	current, err := store.Locks().Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)

	old, err := c.GetRun(context.Background(), crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusFailed, old.Status)
}

func TestGetLastSyncInfo_NoRuns(t *testing.T) {
	c := newCoordinator(memory.New(), nil)
	_, err := c.GetLastSyncInfo(context.Background())
	assert.True(t, apperror.IsNotFound(err))
}

func TestGetSyncStatistics(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))
	c := newCoordinator(store, nil, WithClock(clock.Now))

	put := func(daysAgo int, status syncrun.Status, inserted, errs int) {
		start := clock.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour)
		end := start.Add(20 * time.Second)
		store.Runs().Put(syncrun.Run{
			ID: syncrun.NewRunID(), StartedAt: start, EndedAt: &end, Status: status,
			TotalItems: inserted + errs, Inserted: inserted, ErrorCount: errs,
		})
	}
	put(1, syncrun.StatusSucceeded, 10, 0)
	put(2, syncrun.StatusPartial, 4, 1)
	put(3, syncrun.StatusFailed, 0, 3)
	put(3, syncrun.StatusSucceeded, 2, 0)
	put(60, syncrun.StatusSucceeded, 100, 0)

	stats, err := c.GetSyncStatistics(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 30, stats.WindowDays)
	assert.Equal(t, 4, stats.TotalRuns)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 20.0, stats.AverageDurationSeconds, 1e-9)
	assert.Equal(t, int64(16), stats.TotalRecordsTouched)
	assert.Equal(t, int64(4), stats.TotalErrors)

	stats, err = c.GetSyncStatistics(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalRuns)
}

func TestTrigger_ChainedViewRefresh(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"))
	refresher := &fakeRefresher{}
	c := NewCoordinator(
		reconcile.NewEngine(store.Catalog(), store.Stock(), store, reconcile.Config{}),
		store.Runs(), store.Locks(), store,
		Config{RefreshViewAfterRun: true},
		WithViewRefresher(refresher),
	)

	_, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.NotEmpty(t, c.Config().Holder)
	assert.Equal(t, DefaultLockTTL/3, c.Config().HeartbeatInterval)
}

func TestStatus(t *testing.T) {
	store := memory.New()
	runner := newBlockingRunner()
	c := newCoordinator(store, runner)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Nil(t, st.LastRun)
	assert.Equal(t, 30, st.NextPollSeconds)

	go func() { _, _ = c.TriggerManualSync(context.Background()) }()
	<-runner.started

	st, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.NextPollSeconds)
	require.NotNil(t, st.ActiveRun)
	assert.Equal(t, syncrun.StatusRunning, st.ActiveRun.Status)

	close(runner.release)
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		return err == nil && !st.Running && st.LastRun != nil
	}, time.Second, 5*time.Millisecond)
}

// lockCheckingRefresher records whether the run lock was still held when the chained refresh ran.
type lockCheckingRefresher struct {
	c          *Coordinator
	heldDuring []bool
}

func (r *lockCheckingRefresher) RefreshStockSummaryView(ctx context.Context) *stockview.RefreshResult {
	held, err := r.c.IsSyncRunning(ctx)
	if err != nil {
		return &stockview.RefreshResult{Message: err.Error()}
	}
	r.heldDuring = append(r.heldDuring, held)
	return &stockview.RefreshResult{Success: true}
}

func TestTrigger_ChainedRefreshRunsAfterLockRelease(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"))
	refresher := &lockCheckingRefresher{}
	c := newCoordinator(store, nil, WithViewRefresher(refresher))
	c.cfg.RefreshViewAfterRun = true
	refresher.c = c

	_, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, refresher.heldDuring)

	// The deferred release after an early release must not disturb the next run.
	_, err = c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, refresher.heldDuring)
}

// trackingTx reports whether a transaction is open.
type trackingTx struct {
	*memory.Store
	open atomic.Bool
}

func (t *trackingTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.open.Store(true)
	defer t.open.Store(false)
	return t.Store.RunInTransaction(ctx, fn)
}

// invalidatingRuns records whether Invalidate was called inside a transaction.
type invalidatingRuns struct {
	*memory.RunRepo
	txm      *trackingTx
	insideTx []bool
}

func (r *invalidatingRuns) Invalidate() {
	r.insideTx = append(r.insideTx, r.txm.open.Load())
}

func TestTrigger_InvalidatesRunCacheAfterCommit(t *testing.T) {
	store := memory.New()
	store.Catalog().Add(testItem("A1", "Anvil"))
	txm := &trackingTx{Store: store}
	runs := &invalidatingRuns{RunRepo: store.Runs(), txm: txm}
	engine := reconcile.NewEngine(store.Catalog(), store.Stock(), txm, reconcile.Config{})
	c := NewCoordinator(engine, runs, store.Locks(), txm, Config{Holder: "test"}, WithNotifier(store))

	_, err := c.TriggerManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, runs.insideTx)
}

func TestAbandon_InvalidatesRunCache(t *testing.T) {
	store := memory.New()
	txm := &trackingTx{Store: store}
	runs := &invalidatingRuns{RunRepo: store.Runs(), txm: txm}
	c := NewCoordinator(nil, runs, store.Locks(), txm, Config{Holder: "test"})

	stale := syncrun.NewRun(syncrun.NewRunID(), "crashed", syncrun.TriggerManual, time.Now())
	require.NoError(t, runs.Create(context.Background(), stale))

	c.abandon(context.Background(), stale.ID)
	assert.Equal(t, []bool{false}, runs.insideTx)

	got, err := runs.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, syncrun.StatusFailed, got.Status)
	assert.Equal(t, AbandonedMessage, got.Message)
}
