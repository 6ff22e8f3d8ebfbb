// Package memory provides in-process implementations of every store used by stock
// synchronization. It backs the unit tests and local runs without PostgreSQL.
package memory

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"stocksync/internal/domain/catalog"
	"stocksync/internal/domain/stock"
	"stocksync/internal/domain/stockview"
	"stocksync/internal/domain/syncrun"
)

// Hooks inject failures into store operations. A non-nil error is returned as is.
type Hooks struct {
	ListPage   func(after uuid.UUID) error
	GetByCodes func(codes []string) error
	Upsert     func(records []stock.Record) error
}

// Event is a published notification.
type Event struct {
	Type    string
	Summary syncrun.Summary
}

// Store keeps all datasets in memory.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	now  func() time.Time

	items   map[uuid.UUID]catalog.Item
	records map[string]stock.Record
	runs    map[uuid.UUID]syncrun.Run
	lease   *syncrun.Lease
	view    []stockview.SummaryRow
	viewOK  bool
	events  []Event
	audit   map[uuid.UUID][]syncrun.AuditRecord
	hooks   Hooks
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		items:   make(map[uuid.UUID]catalog.Item),
		records: make(map[string]stock.Record),
		runs:    make(map[uuid.UUID]syncrun.Run),
		audit:   make(map[uuid.UUID][]syncrun.AuditRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHooks replaces the failure hooks.
func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// Catalog returns the catalog reader.
func (s *Store) Catalog() *CatalogRepo { return &CatalogRepo{s: s} }

// Stock returns the stock repository.
func (s *Store) Stock() *StockRepo { return &StockRepo{s: s} }

// Runs returns the run history repository.
func (s *Store) Runs() *RunRepo { return &RunRepo{s: s} }

// Locks returns the run lock repository.
func (s *Store) Locks() *LockRepo { return &LockRepo{s: s} }

// Views returns the stock summary view repository.
func (s *Store) Views() *ViewRepo { return &ViewRepo{s: s} }

// Inspector returns the schema and data inspector.
func (s *Store) Inspector() *Inspector { return &Inspector{s: s} }

type txKey struct{}

// RunInTransaction serializes fn against other transactions and rolls back stock,
// run and event changes when fn fails. Nested calls join the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	records := maps.Clone(s.records)
	runs := maps.Clone(s.runs)
	events := len(s.events)
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, struct{}{})); err != nil {
		s.mu.Lock()
		s.records = records
		s.runs = runs
		s.events = s.events[:events]
		s.mu.Unlock()
		return err
	}
	return nil
}

// RunFinalized records a sync.run.finalized event.
func (s *Store) RunFinalized(_ context.Context, summary *syncrun.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Type: "sync.run.finalized", Summary: *summary})
	return nil
}

// Events returns published events in order.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// RecordRun appends a run summary to the audit trail of the run.
func (s *Store) RecordRun(_ context.Context, summary *syncrun.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[summary.RunID] = append(s.audit[summary.RunID], syncrun.AuditRecord{
		At:      s.now(),
		Action:  "sync_run",
		UserID:  summary.TriggeredBy,
		Summary: payload,
	})
	return nil
}

// RunHistory returns the audit trail of a run, newest first.
func (s *Store) RunHistory(_ context.Context, runID uuid.UUID, limit int) ([]syncrun.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trail := s.audit[runID]
	out := make([]syncrun.AuditRecord, 0, len(trail))
	for i := len(trail) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, trail[i])
	}
	return out, nil
}
