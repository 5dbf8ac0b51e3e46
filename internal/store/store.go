package store

import (
	"github.com/kestrelops/remedy/pkg/schema"
)

// Filter narrows List results.
type Filter struct {
	// Stage restricts results to a single stage when non-empty.
	Stage schema.Stage
	// ActiveOnly restricts results to non-terminal workflows.
	ActiveOnly bool
	// TraceID restricts results to workflows opened for a trace.
	TraceID string
}

// Store is the workflow record registry. Implementations must be safe for
// concurrent use; Mutate must be atomic per workflow id, and no method may
// block on I/O.
type Store interface {
	// Create allocates a fresh workflow id and inserts a record in the
	// started stage. Returns a snapshot of the new record.
	Create(signal schema.FailureSignal) (*schema.Workflow, error)

	// Get returns a snapshot of the record, or NOT_FOUND.
	Get(id string) (*schema.Workflow, error)

	// Mutate applies fn under exclusive per-record access and returns a
	// snapshot of the updated record. fn receives the live record; returning
	// an error aborts the mutation. Terminal records reject mutation with
	// CONFLICT. UpdatedAt is bumped on every successful mutation.
	Mutate(id string, fn func(*schema.Workflow) error) (*schema.Workflow, error)

	// List returns snapshot copies of all records matching the filter.
	List(filter Filter) []*schema.Workflow

	// Evict removes the record. Returns false when the id is unknown.
	Evict(id string) bool

	// Len returns the number of records currently held.
	Len() int
}
