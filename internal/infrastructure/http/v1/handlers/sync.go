package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/stocksync"
	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/syncrun"
	"stocksync/internal/domain/validation"
	"stocksync/internal/infrastructure/http/v1/dto"
	"stocksync/pkg/logger"
)

// SyncService is the coordinator surface used by the HTTP layer.
type SyncService interface {
	TriggerManualSync(ctx context.Context) (*syncrun.Summary, error)
	Trigger(ctx context.Context, source syncrun.TriggerSource) (*syncrun.Summary, error)
	Status(ctx context.Context) (*stocksync.Status, error)
	GetLastSyncInfo(ctx context.Context) (*syncrun.Summary, error)
	GetRun(ctx context.Context, id uuid.UUID) (*syncrun.Summary, error)
	ListRuns(ctx context.Context, filter syncrun.ListFilter) ([]*syncrun.Summary, error)
	GetSyncStatistics(ctx context.Context, windowDays int) (*syncrun.Statistics, error)
}

// SystemValidator runs structural and data health checks.
type SystemValidator interface {
	ValidateSyncSystem(ctx context.Context) (*validation.Result, error)
}

// ViewService refreshes and reads the stock summary view.
type ViewService interface {
	RefreshStockSummaryView(ctx context.Context) *stockview.RefreshResult
	GetStockSummary(ctx context.Context) ([]stockview.SummaryRow, error)
}

// RunAuditReader reads the audit trail of a run.
type RunAuditReader interface {
	RunHistory(ctx context.Context, runID uuid.UUID, limit int) ([]syncrun.AuditRecord, error)
}

const defaultAuditLimit = 20

// SyncHandler handles /stock-sync endpoints.
type SyncHandler struct {
	*BaseHandler
	sync      SyncService
	validator SystemValidator
	views     ViewService
	audit     RunAuditReader
}

// NewSyncHandler creates a new sync handler. audit may be nil, which disables GET /runs/:id/audit.
func NewSyncHandler(base *BaseHandler, sync SyncService, validator SystemValidator, views ViewService, audit RunAuditReader) *SyncHandler {
	return &SyncHandler{
		BaseHandler: base,
		sync:        sync,
		validator:   validator,
		views:       views,
		audit:       audit,
	}
}

// Trigger runs one reconciliation pass and returns its result.
// The pass runs detached from the request so a client disconnect cannot abort it.
// Runs are recorded as manual unless an automated caller names another source.
// POST /stock-sync/runs?source=
func (h *SyncHandler) Trigger(c *gin.Context) {
	var req dto.TriggerRequest
	if !h.BindQuery(c, &req) {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())

	var (
		summary *syncrun.Summary
		err     error
	)
	if source := req.TriggerSource(); source == syncrun.TriggerManual {
		summary, err = h.sync.TriggerManualSync(ctx)
	} else {
		summary, err = h.sync.Trigger(ctx, source)
	}
	if err == nil {
		h.OK(c, summary)
		return
	}

	appErr, ok := apperror.AsAppError(err)
	if !ok || summary == nil {
		h.Error(c, err)
		return
	}

	// Aborted run: the error middleware would drop the summary, so render here.
	_ = c.Error(err)
	logger.Error(ctx, "sync run aborted", "run_id", summary.RunID, "error", appErr.Message)
	c.JSON(appErr.HTTPStatus, dto.TriggerFailureResponse{
		ErrorResponse: dto.ErrorResponse{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details},
		Result:        summary,
	})
}

// Status returns lock state, the active and last runs, and the suggested poll delay.
// GET /stock-sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	status, err := h.sync.Status(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	c.Header("Retry-After", strconv.Itoa(status.NextPollSeconds))
	h.OK(c, status)
}

// LastRun returns the most recently finalized run.
// GET /stock-sync/runs/last
func (h *SyncHandler) LastRun(c *gin.Context) {
	summary, err := h.sync.GetLastSyncInfo(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, summary)
}

// GetRun returns one run with its full error list.
// GET /stock-sync/runs/:id
func (h *SyncHandler) GetRun(c *gin.Context) {
	id, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	summary, err := h.sync.GetRun(c.Request.Context(), id)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, summary)
}

// RunAudit returns the audit trail of a run, newest first.
// GET /stock-sync/runs/:id/audit?limit=
func (h *SyncHandler) RunAudit(c *gin.Context) {
	id, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req dto.AuditRequest
	if !h.BindQuery(c, &req) {
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultAuditLimit
	}

	records, err := h.audit.RunHistory(c.Request.Context(), id, req.Limit)
	if err != nil {
		h.Error(c, err)
		return
	}
	if records == nil {
		records = []syncrun.AuditRecord{}
	}
	h.OK(c, gin.H{"items": records})
}

// ListRuns returns run history, newest first.
// GET /stock-sync/runs?status=&limit=&offset=
func (h *SyncHandler) ListRuns(c *gin.Context) {
	var req dto.ListRunsRequest
	if !h.BindQuery(c, &req) {
		return
	}
	filter, err := req.Filter()
	if err != nil {
		h.Error(c, apperror.NewValidation(err.Error()).WithDetail("field", "status"))
		return
	}

	runs, err := h.sync.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: runs, Limit: filter.Limit, Offset: filter.Offset})
}

// Statistics aggregates runs over a trailing window.
// GET /stock-sync/statistics?windowDays=
func (h *SyncHandler) Statistics(c *gin.Context) {
	var req dto.StatisticsRequest
	if !h.BindQuery(c, &req) {
		return
	}
	stats, err := h.sync.GetSyncStatistics(c.Request.Context(), req.WindowDays)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, stats)
}

// Validate reports structural and data issues of the sync system.
// GET /stock-sync/validation
func (h *SyncHandler) Validate(c *gin.Context) {
	result, err := h.validator.ValidateSyncSystem(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, result)
}

// RefreshView recomputes the stock summary view.
// POST /stock-sync/view/refresh
func (h *SyncHandler) RefreshView(c *gin.Context) {
	result := h.views.RefreshStockSummaryView(context.WithoutCancel(c.Request.Context()))
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}

// ViewSummary returns the per-category stock summary.
// GET /stock-sync/view/summary
func (h *SyncHandler) ViewSummary(c *gin.Context) {
	rows, err := h.views.GetStockSummary(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, gin.H{"items": rows})
}

// RegisterRoutes registers the sync endpoints on rg.
func (h *SyncHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/runs", h.Trigger)
	rg.GET("/runs", h.ListRuns)
	rg.GET("/runs/last", h.LastRun)
	rg.GET("/runs/:id", h.GetRun)
	if h.audit != nil {
		rg.GET("/runs/:id/audit", h.RunAudit)
	}
	rg.GET("/status", h.Status)
	rg.GET("/statistics", h.Statistics)
	rg.GET("/validation", h.Validate)
	rg.POST("/view/refresh", h.RefreshView)
	rg.GET("/view/summary", h.ViewSummary)
}
