package dto

import (
	"fmt"

	"stocksync/internal/domain/syncrun"
)

// ListRunsRequest is the query of GET /runs.
type ListRunsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

// Filter converts the request into a repository filter.
func (r ListRunsRequest) Filter() (syncrun.ListFilter, error) {
	f := syncrun.ListFilter{Limit: r.Limit, Offset: r.Offset}
	if r.Status != "" {
		s := syncrun.Status(r.Status)
		if !s.IsValid() {
			return f, fmt.Errorf("unknown status %q", r.Status)
		}
		f.Status = &s
	}
	return f.Normalize(), nil
}

// TriggerRequest is the query of POST /runs. An empty source means an interactive "sync now".
type TriggerRequest struct {
	Source string `form:"source" binding:"omitempty,oneof=manual scheduled api"`
}

// TriggerSource returns the recorded origin of the run.
func (r TriggerRequest) TriggerSource() syncrun.TriggerSource {
	if r.Source == "" {
		return syncrun.TriggerManual
	}
	return syncrun.TriggerSource(r.Source)
}

// AuditRequest is the query of GET /runs/:id/audit.
type AuditRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// StatisticsRequest is the query of GET /statistics.
type StatisticsRequest struct {
	WindowDays int `form:"windowDays" binding:"omitempty,min=1,max=365"`
}

// TriggerFailureResponse is returned when a run aborted. It carries the
// finalized run next to the error so the caller sees what was processed.
type TriggerFailureResponse struct {
	ErrorResponse
	Result *syncrun.Summary `json:"result,omitempty"`
}
