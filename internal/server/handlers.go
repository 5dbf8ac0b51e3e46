package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook accepts an inbound failure signal and opens a workflow.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, schema.NewError(schema.ErrCodeValidation, "failed to read request body").WithCause(err))
		return
	}

	acc, err := s.deps.Ingress.Accept(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"workflow_id": acc.Workflow.WorkflowID,
		"incident_id": acc.Workflow.IncidentID,
		"stage":       acc.Workflow.Stage,
		"duplicate":   acc.Duplicate,
	})
}

// handleHealth reports liveness. Degrades to 503 when the supervisor loop is
// not running, since unswept workflows would leak.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.deps.Supervisor.Healthy()
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	s.writeJSON(w, status, map[string]any{
		"status":                state,
		"supervisor":            healthy,
		"workflows":             s.deps.Store.Len(),
		"active_workflow_count": len(s.deps.Store.List(store.Filter{ActiveOnly: true})),
	})
}

// handleStatus reports operational detail: uptime, per-stage counts, live
// pipelines and the collaborator registry.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	byStage := make(map[string]int)
	active := 0
	for _, wf := range s.deps.Store.List(store.Filter{}) {
		byStage[string(wf.Stage)]++
		if !wf.Stage.Terminal() {
			active++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":            s.deps.Version,
		"uptime":             time.Since(s.startedAt).Truncate(time.Second).String(),
		"workflows_total":    s.deps.Store.Len(),
		"workflows_active":   active,
		"workflows_by_stage": byStage,
		"pipelines_running":  s.deps.Orchestrator.Running(),
		"collaborators":      s.deps.Registry.Counts(),
	})
}

// handleGetWorkflow returns a snapshot of one workflow record.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

// handleCancelWorkflow aborts an active workflow. An optional JSON body may
// carry a reason.
func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body)
	}

	wf, err := s.deps.Orchestrator.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

// handleListWorkflows lists workflow snapshots, optionally filtered by stage
// or restricted to active records.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{
		Stage:      schema.Stage(r.URL.Query().Get("stage")),
		ActiveOnly: r.URL.Query().Get("active") == "true",
		TraceID:    r.URL.Query().Get("trace_id"),
	}

	workflows := s.deps.Store.List(filter)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(workflows),
		"workflows": workflows,
	})
}

// handleEvents queries the durable incident journal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeError(w, schema.NewError(schema.ErrCodeInternal, "journal is not configured"))
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		WorkflowID: q.Get("workflow_id"),
		EventType:  q.Get("event_type"),
		Limit:      100,
	}
	if filter.EventType == "" {
		filter.EventType = q.Get("type")
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, schema.NewError(schema.ErrCodeValidation, "since must be RFC3339").WithCause(err))
			return
		}
		filter.Since = &since
	}

	entries, err := s.deps.Journal.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(entries),
		"events": entries,
	})
}
