package journal

import (
	"context"
	"time"
)

// Entry is one durable audit record. Sequence is monotonically increasing per
// workflow with no gaps.
type Entry struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	IncidentID string         `json:"incident_id,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence"`
}

// Filter narrows journal queries.
type Filter struct {
	WorkflowID string
	EventType  string
	Since      *time.Time
	Limit      int
}

// Journal is the append-only durable record of everything the orchestrator
// did. Entries are never updated or deleted; workflow eviction from the
// in-memory store leaves the journal intact.
type Journal interface {
	Append(ctx context.Context, entry *Entry) error
	Events(ctx context.Context, workflowID string, since int64) ([]*Entry, error)
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
	Close() error
}
