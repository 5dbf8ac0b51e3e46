// Package audit fans domain events out to the durable journal, the live
// event hub, and the remote audit collaborator. Recording is best-effort:
// a failing sink never blocks or fails the workflow that emitted the event.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/logging"
	"github.com/kestrelops/remedy/internal/peer"
	"github.com/kestrelops/remedy/internal/streaming"
)

// Recorder records domain events. The orchestrator, supervisor, ingress and
// fallback layers all emit through this interface.
type Recorder interface {
	LogEvent(ctx context.Context, eventType string, payload map[string]any)
}

// Multi fans every event out to all sinks in order.
type Multi []Recorder

func (m Multi) LogEvent(ctx context.Context, eventType string, payload map[string]any) {
	for _, r := range m {
		r.LogEvent(ctx, eventType, payload)
	}
}

// JournalSink appends events to the durable incident journal. Correlation IDs
// come from the context; the optional "stage" payload key is promoted to its
// own column.
type JournalSink struct {
	journal journal.Journal
	logger  *slog.Logger
}

// NewJournalSink creates a journal-backed recorder.
func NewJournalSink(j journal.Journal, logger *slog.Logger) *JournalSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalSink{journal: j, logger: logger}
}

func (s *JournalSink) LogEvent(ctx context.Context, eventType string, payload map[string]any) {
	stage, _ := payload["stage"].(string)
	err := s.journal.Append(ctx, &journal.Entry{
		WorkflowID: logging.WorkflowID(ctx),
		IncidentID: logging.IncidentID(ctx),
		Stage:      stage,
		EventType:  eventType,
		Payload:    payload,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "journal append failed", "event_type", eventType, "error", err)
	}
}

// HubSink publishes events to the in-process hub for SSE subscribers.
type HubSink struct {
	hub streaming.EventHub
}

// NewHubSink creates a hub-backed recorder.
func NewHubSink(hub streaming.EventHub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) LogEvent(ctx context.Context, eventType string, payload map[string]any) {
	stage, _ := payload["stage"].(string)
	_ = s.hub.Publish(ctx, streaming.IncidentEvent{
		WorkflowID: logging.WorkflowID(ctx),
		IncidentID: logging.IncidentID(ctx),
		Stage:      stage,
		EventType:  eventType,
		Payload:    payload,
	})
}

// CollaboratorSink forwards events to the remote audit collaborator,
// fire-and-forget. Delivery failures are logged and swallowed; the audit
// collaborator being down must never affect workflow progress.
type CollaboratorSink struct {
	coordinator peer.Coordinator
	timeout     time.Duration
	logger      *slog.Logger
}

// NewCollaboratorSink creates a recorder that ships events to the audit
// collaborator with the given per-delivery timeout.
func NewCollaboratorSink(coordinator peer.Coordinator, timeout time.Duration, logger *slog.Logger) *CollaboratorSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CollaboratorSink{coordinator: coordinator, timeout: timeout, logger: logger}
}

func (s *CollaboratorSink) LogEvent(ctx context.Context, eventType string, payload map[string]any) {
	body := map[string]any{
		"event_type":  eventType,
		"workflow_id": logging.WorkflowID(ctx),
		"incident_id": logging.IncidentID(ctx),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"payload":     payload,
	}

	// Detach from the caller's deadline so a finishing workflow still gets
	// its terminal event delivered.
	detached := logging.WithIDs(context.Background(),
		logging.WorkflowID(ctx), logging.IncidentID(ctx), logging.TraceID(ctx))

	go func() {
		result := s.coordinator.Invoke(detached, peer.Call{
			Collaborator:  peer.CollaboratorAudit,
			Capability:    peer.CapabilityLogEvent,
			Payload:       body,
			Timeout:       s.timeout,
			CorrelationID: logging.TraceID(detached),
		})
		if !result.Succeeded {
			s.logger.WarnContext(detached, "audit event delivery failed",
				"event_type", eventType, "error", result.Err.Error())
		}
	}()
}
