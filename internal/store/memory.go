package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelops/remedy/pkg/schema"
)

// record pairs a workflow with its own lock so that two stages of the same
// workflow never race while distinct workflows never block each other.
type record struct {
	mu sync.Mutex
	wf schema.Workflow
}

// MemoryStore is the in-memory Store implementation. The outer RWMutex only
// guards map membership; per-record mutation happens under the record lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(signal schema.FailureSignal) (*schema.Workflow, error) {
	now := s.now().UTC()
	id := uuid.New().String()

	rec := &record{wf: schema.Workflow{
		WorkflowID: id,
		IncidentID: schema.IncidentID(id, now),
		Signal:     signal,
		Stage:      schema.StageStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	return rec.wf.Clone(), nil
}

func (s *MemoryStore) Get(id string) (*schema.Workflow, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.wf.Clone(), nil
}

func (s *MemoryStore) Mutate(id string, fn func(*schema.Workflow) error) (*schema.Workflow, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.wf.Stage.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is %s and immutable", id, rec.wf.Stage)
	}

	if err := fn(&rec.wf); err != nil {
		return nil, err
	}

	rec.wf.UpdatedAt = s.now().UTC()
	if rec.wf.UpdatedAt.Before(rec.wf.CreatedAt) {
		rec.wf.UpdatedAt = rec.wf.CreatedAt
	}
	return rec.wf.Clone(), nil
}

func (s *MemoryStore) List(filter Filter) []*schema.Workflow {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]*schema.Workflow, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		wf := rec.wf.Clone()
		rec.mu.Unlock()

		if filter.ActiveOnly && wf.Stage.Terminal() {
			continue
		}
		if filter.Stage != "" && wf.Stage != filter.Stage {
			continue
		}
		if filter.TraceID != "" && wf.Signal.TraceID != filter.TraceID {
			continue
		}
		out = append(out, wf)
	}
	return out
}

func (s *MemoryStore) Evict(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	return true
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}
