// Package syncrun provides the history of reconciliation runs and the singleton run lock.
package syncrun

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
// Transitions: running -> succeeded | partial | failed. Finalized runs never change.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// IsFinal reports whether s is a terminal state.
func (s Status) IsFinal() bool {
	return s == StatusSucceeded || s == StatusPartial || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusRunning || s.IsFinal()
}

// TriggerSource records what started a run.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerAPI       TriggerSource = "api"
)

// ErrorKind classifies an entry in a run's error list.
type ErrorKind string

const (
	KindItemValidation ErrorKind = "item_validation"
	KindPersistence    ErrorKind = "persistence"
)

// ItemError is one entry of a run's ordered error list.
type ItemError struct {
	ItemCode string    `json:"item_code"`
	Message  string    `json:"message"`
	Kind     ErrorKind `json:"kind"`
}

// ItemErrors is stored as a JSON array.
type ItemErrors []ItemError

// Value implements driver.Valuer.
func (e ItemErrors) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]ItemError(e))
}

// Scan implements sql.Scanner.
func (e *ItemErrors) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*e = ItemErrors{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("syncrun: cannot scan %T into ItemErrors", src)
	}
	var out []ItemError
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("syncrun: decode errors: %w", err)
	}
	if out == nil {
		out = []ItemError{}
	}
	*e = out
	return nil
}

// Counts holds per-run tallies.
// Total always equals Inserted + Updated + Unchanged + Errors. Orphaned is reported separately.
type Counts struct {
	Total     int `json:"total_items"`
	Inserted  int `json:"inserted_count"`
	Updated   int `json:"updated_count"`
	Unchanged int `json:"unchanged_count"`
	Errors    int `json:"error_count"`
	Orphaned  int `json:"orphaned_count"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Total += other.Total
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Unchanged += other.Unchanged
	c.Errors += other.Errors
	c.Orphaned += other.Orphaned
}

// Balanced reports whether the total matches the sum of its parts.
func (c Counts) Balanced() bool {
	return c.Total == c.Inserted+c.Updated+c.Unchanged+c.Errors
}

// Touched is the number of stock records written by the run.
func (c Counts) Touched() int {
	return c.Inserted + c.Updated
}

// DetermineStatus derives the final status of a run.
func DetermineStatus(c Counts, aborted bool) Status {
	switch {
	case aborted:
		return StatusFailed
	case c.Errors == 0:
		return StatusSucceeded
	case c.Errors < c.Total:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// Run is one execution of the reconciliation engine.
type Run struct {
	ID            uuid.UUID     `db:"id"`
	StartedAt     time.Time     `db:"started_at"`
	EndedAt       *time.Time    `db:"ended_at"`
	Status        Status        `db:"status"`
	TotalItems    int           `db:"total_items"`
	Inserted      int           `db:"inserted_count"`
	Updated       int           `db:"updated_count"`
	Unchanged     int           `db:"unchanged_count"`
	ErrorCount    int           `db:"error_count"`
	Orphaned      int           `db:"orphaned_count"`
	Errors        ItemErrors    `db:"errors"`
	Message       string        `db:"message"`
	TriggeredBy   string        `db:"triggered_by"`
	TriggerSource TriggerSource `db:"trigger_source"`
}

// NewRunID returns a time-ordered run identifier.
func NewRunID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewRun creates a run in the running state.
func NewRun(id uuid.UUID, triggeredBy string, source TriggerSource, startedAt time.Time) *Run {
	return &Run{
		ID:            id,
		StartedAt:     startedAt,
		Status:        StatusRunning,
		Errors:        ItemErrors{},
		TriggeredBy:   triggeredBy,
		TriggerSource: source,
	}
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Errors = append(ItemErrors{}, r.Errors...)
	if r.EndedAt != nil {
		ended := *r.EndedAt
		cp.EndedAt = &ended
	}
	return &cp
}

// Counts returns the tallies of the run.
func (r *Run) Counts() Counts {
	return Counts{
		Total:     r.TotalItems,
		Inserted:  r.Inserted,
		Updated:   r.Updated,
		Unchanged: r.Unchanged,
		Errors:    r.ErrorCount,
		Orphaned:  r.Orphaned,
	}
}

// SetCounts overwrites the tallies of the run.
func (r *Run) SetCounts(c Counts) {
	r.TotalItems = c.Total
	r.Inserted = c.Inserted
	r.Updated = c.Updated
	r.Unchanged = c.Unchanged
	r.ErrorCount = c.Errors
	r.Orphaned = c.Orphaned
}

// Finalize moves the run to its terminal state.
// When message is empty the first recorded error becomes the message.
func (r *Run) Finalize(c Counts, errs []ItemError, aborted bool, message string, endedAt time.Time) {
	r.SetCounts(c)
	r.Errors = append(ItemErrors{}, errs...)
	r.Status = DetermineStatus(c, aborted)
	if message == "" && len(errs) > 0 {
		message = errs[0].Message
		if errs[0].ItemCode != "" {
			message = errs[0].ItemCode + ": " + message
		}
	}
	r.Message = message
	ended := endedAt
	r.EndedAt = &ended
}

// Abandon fails a run whose lock lease expired without it finishing.
func (r *Run) Abandon(message string, at time.Time) {
	r.Status = StatusFailed
	r.Message = message
	ended := at
	r.EndedAt = &ended
}

// Duration returns the wall time of the run, measured up to now while running.
func (r *Run) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Summary is the caller-facing view of a run.
type Summary struct {
	RunID     uuid.UUID  `json:"run_id"`
	Status    Status     `json:"status"`
	Success   bool       `json:"success"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Counts
	Errors          []ItemError   `json:"errors"`
	Message         string        `json:"message,omitempty"`
	TriggeredBy     string        `json:"triggered_by"`
	TriggerSource   TriggerSource `json:"trigger_source"`
	DurationSeconds float64       `json:"duration_seconds"`
}

// Summary builds the caller-facing view of the run.
func (r *Run) Summary(now time.Time) *Summary {
	errs := []ItemError(r.Errors)
	if errs == nil {
		errs = []ItemError{}
	}
	return &Summary{
		RunID:           r.ID,
		Status:          r.Status,
		Success:         r.Status == StatusSucceeded || r.Status == StatusPartial,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		Counts:          r.Counts(),
		Errors:          errs,
		Message:         r.Message,
		TriggeredBy:     r.TriggeredBy,
		TriggerSource:   r.TriggerSource,
		DurationSeconds: r.Duration(now).Seconds(),
	}
}

// ListFilter narrows run history queries.
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// Normalize applies paging defaults.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Repository defines persistence for run history.
type Repository interface {
	// Create inserts a new running run.
	Create(ctx context.Context, run *Run) error

	// UpdateProgress persists running tallies. Finalized runs are left untouched.
	UpdateProgress(ctx context.Context, id uuid.UUID, c Counts) error

	// Finalize writes the terminal state of run. It only matches runs still running
	// and returns false when the run was already finalized.
	Finalize(ctx context.Context, run *Run) (bool, error)

	// Get returns a run by id or a NOT_FOUND AppError.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)

	// GetLastFinalized returns the most recently ended finalized run or a NOT_FOUND AppError.
	GetLastFinalized(ctx context.Context) (*Run, error)

	// List returns runs ordered by started_at descending.
	List(ctx context.Context, filter ListFilter) ([]Run, error)

	// Statistics aggregates runs started at or after since.
	Statistics(ctx context.Context, since time.Time) (*Aggregate, error)
}
