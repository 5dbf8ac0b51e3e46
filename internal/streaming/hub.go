package streaming

import "context"

// IncidentEvent is a real-time event emitted while a workflow progresses.
type IncidentEvent struct {
	WorkflowID string         `json:"workflow_id"`
	IncidentID string         `json:"incident_id,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time incident events.
type EventHub interface {
	Publish(ctx context.Context, event IncidentEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan IncidentEvent, func(), error)
}
