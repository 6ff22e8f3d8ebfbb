package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/auth"
	"stocksync/internal/domain/catalog"
	"stocksync/internal/domain/reconcile"
	"stocksync/internal/domain/stocksync"
	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/syncrun"
	"stocksync/internal/domain/validation"
	"stocksync/internal/infrastructure/storage/memory"
	"stocksync/pkg/logger"
)

type fixture struct {
	store       *memory.Store
	coordinator *stocksync.Coordinator
	router      http.Handler
}

func newFixture(t *testing.T, jwt *auth.JWTService) *fixture {
	t.Helper()
	store := memory.New()
	engine := reconcile.NewEngine(store.Catalog(), store.Stock(), store, reconcile.Config{BatchSize: 2})
	coordinator := stocksync.NewCoordinator(engine, store.Runs(), store.Locks(), store, stocksync.Config{Holder: "test"},
		stocksync.WithNotifier(store), stocksync.WithAuditor(store))

	cfg := RouterConfig{
		Logger:    logger.NewNop(),
		Sync:      coordinator,
		Validator: validation.NewService(store.Inspector(), store.Locks()),
		Views:     stockview.NewRefresher(store.Views()),
		Audit:     store,
		Version:   "test",
	}
	if jwt != nil {
		cfg.JWTValidator = jwt
	}
	return &fixture{store: store, coordinator: coordinator, router: NewRouter(cfg)}
}

func (f *fixture) do(t *testing.T, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func item(code, name string) catalog.Item {
	return catalog.Item{ItemCode: code, Name: name, Category: "tools", Unit: "pcs",
		UnitPrice: decimal.NewFromInt(5), Quantity: decimal.NewFromInt(2)}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerRun_AttributesGatewayCaller(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Catalog().Add(item("A1", "Anvil"), item("B2", "Bolt"), catalog.Item{ItemCode: "C3"})

	w := f.do(t, http.MethodPost, "/api/v1/stock-sync/runs", map[string]string{"X-User-ID": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	summary := decode[syncrun.Summary](t, w)
	assert.Equal(t, syncrun.StatusPartial, summary.Status)
	assert.True(t, summary.Success)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Counts.Errors)
	assert.Equal(t, "alice", summary.TriggeredBy)
	assert.Equal(t, syncrun.TriggerManual, summary.TriggerSource)

	require.Len(t, f.store.Events(), 1)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, summary.RunID, decode[syncrun.Summary](t, w).RunID)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/"+summary.RunID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[syncrun.Summary](t, w)
	require.Len(t, detail.Errors, 1)
	assert.Equal(t, "C3", detail.Errors[0].ItemCode)
}

func TestTriggerRun_ConflictWhileLocked(t *testing.T) {
	f := newFixture(t, nil)
	holder := uuid.New()
	_, err := f.store.Locks().TryAcquire(context.Background(), holder, "other", time.Minute)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/stock-sync/runs", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, apperror.CodeSyncInProgress, body["code"])
	assert.Equal(t, holder.String(), body["details"].(map[string]any)["active_run_id"])

	runs, err := f.store.Runs().List(context.Background(), syncrun.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[stocksync.Status](t, w)
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.NextPollSeconds)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestTriggerRun_AbortReturnsSummary(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Catalog().Add(item("A1", "Anvil"))
	f.store.SetHooks(memory.Hooks{ListPage: func(uuid.UUID) error { return errors.New("catalog unavailable") }})

	w := f.do(t, http.MethodPost, "/api/v1/stock-sync/runs", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, apperror.CodeSystem, body["code"])
	result := body["result"].(map[string]any)
	assert.Equal(t, string(syncrun.StatusFailed), result["status"])
	assert.Equal(t, false, result["success"])

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/status", nil)
	assert.False(t, decode[stocksync.Status](t, w).Running)
}

func TestRunQueries_Validation(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/last", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/statistics?windowDays=0", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30, decode[syncrun.Statistics](t, w).WindowDays)
}

func TestListRunsAndStatistics(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Catalog().Add(item("A1", "Anvil"))

	for range 2 {
		w := f.do(t, http.MethodPost, "/api/v1/stock-sync/runs", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/stock-sync/runs?status=succeeded&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []syncrun.Summary `json:"items"`
		Limit int               `json:"limit"`
	}](t, w)
	assert.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Limit)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/statistics?windowDays=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[syncrun.Statistics](t, w)
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 2, stats.SucceededRuns)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
}

func TestViewAndValidationEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Catalog().Add(item("A1", "Anvil"))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/stock-sync/runs", nil).Code)

	w := f.do(t, http.MethodPost, "/api/v1/stock-sync/view/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[stockview.RefreshResult](t, w).Success)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/view/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[struct {
		Items []stockview.SummaryRow `json:"items"`
	}](t, w)
	require.Len(t, rows.Items, 1)
	assert.Equal(t, "tools", rows.Items[0].Category)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/validation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[validation.Result](t, w).IsValid)
}

func TestJWTAuth(t *testing.T) {
	jwt := auth.NewJWTService(auth.DefaultJWTConfig("secret"))
	f := newFixture(t, jwt)

	w := f.do(t, http.MethodGet, "/api/v1/stock-sync/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/status", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, _, err := jwt.GenerateAccessToken("bob", "bob@example.com", nil)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/api/v1/stock-sync/runs", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", decode[syncrun.Summary](t, w).TriggeredBy)

	// Health stays public.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health/live", nil).Code)
}

func TestTriggerRun_SourceAndAuditTrail(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Catalog().Add(item("A1", "Anvil"))

	w := f.do(t, http.MethodPost, "/api/v1/stock-sync/runs?source=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/stock-sync/runs?source=scheduled", map[string]string{"X-User-ID": "cron"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[syncrun.Summary](t, w)
	assert.Equal(t, syncrun.TriggerScheduled, summary.TriggerSource)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/"+summary.RunID.String()+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	trail := decode[struct {
		Items []syncrun.AuditRecord `json:"items"`
	}](t, w)
	require.Len(t, trail.Items, 1)
	assert.Equal(t, "cron", trail.Items[0].UserID)

	audited := decodeRaw[syncrun.Summary](t, trail.Items[0].Summary)
	assert.Equal(t, summary.RunID, audited.RunID)
	assert.Equal(t, syncrun.StatusSucceeded, audited.Status)

	w = f.do(t, http.MethodGet, "/api/v1/stock-sync/runs/"+uuid.NewString()+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[]}`, w.Body.String())
}

func decodeRaw[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}
