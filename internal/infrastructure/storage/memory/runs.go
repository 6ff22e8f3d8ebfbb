package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"stocksync/internal/core/apperror"
	"stocksync/internal/domain/syncrun"
)

// RunRepo implements syncrun.Repository.
type RunRepo struct {
	s *Store
}

func cloneRun(r syncrun.Run) syncrun.Run {
	return *r.Clone()
}

// Create implements syncrun.Repository.
func (r *RunRepo) Create(_ context.Context, run *syncrun.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.runs[run.ID]; exists {
		return apperror.NewConflict("sync run already exists").WithDetail("id", run.ID)
	}
	r.s.runs[run.ID] = cloneRun(*run)
	return nil
}

// UpdateProgress implements syncrun.Repository.
func (r *RunRepo) UpdateProgress(_ context.Context, id uuid.UUID, c syncrun.Counts) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.Status != syncrun.StatusRunning {
		return nil
	}
	run.SetCounts(c)
	r.s.runs[id] = run
	return nil
}

// Finalize implements syncrun.Repository.
func (r *RunRepo) Finalize(_ context.Context, run *syncrun.Run) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.runs[run.ID]
	if !ok || stored.Status != syncrun.StatusRunning {
		return false, nil
	}
	r.s.runs[run.ID] = cloneRun(*run)
	return true, nil
}

// Get implements syncrun.Repository.
func (r *RunRepo) Get(_ context.Context, id uuid.UUID) (*syncrun.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, apperror.NewNotFound("sync run", id)
	}
	out := cloneRun(run)
	return &out, nil
}

// GetLastFinalized implements syncrun.Repository.
func (r *RunRepo) GetLastFinalized(_ context.Context) (*syncrun.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var last *syncrun.Run
	for _, run := range r.s.runs {
		if !run.Status.IsFinal() || run.EndedAt == nil {
			continue
		}
		if last == nil || run.EndedAt.After(*last.EndedAt) {
			c := cloneRun(run)
			last = &c
		}
	}
	if last == nil {
		return nil, apperror.NewNotFound("sync run", "last")
	}
	return last, nil
}

// List implements syncrun.Repository.
func (r *RunRepo) List(_ context.Context, filter syncrun.ListFilter) ([]syncrun.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	filter = filter.Normalize()
	var out []syncrun.Run
	for _, run := range r.s.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	slices.SortFunc(out, func(a, b syncrun.Run) int { return b.StartedAt.Compare(a.StartedAt) })

	if filter.Offset >= len(out) {
		return []syncrun.Run{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Statistics implements syncrun.Repository.
func (r *RunRepo) Statistics(_ context.Context, since time.Time) (*syncrun.Aggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	agg := &syncrun.Aggregate{}
	for _, run := range r.s.runs {
		if run.StartedAt.Before(since) {
			continue
		}
		agg.Accumulate(run)
	}
	return agg, nil
}

// Put stores a run as is. Used to seed history.
func (r *RunRepo) Put(run syncrun.Run) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.runs[run.ID] = cloneRun(run)
}
