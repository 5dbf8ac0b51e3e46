package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

// handleTrigger opens an incident workflow from a failure signal.
func (s *RemedyServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signal := mcp.ParseStringMap(req, "signal", nil)
	if signal == nil {
		return mcp.NewToolResultError("signal is required"), nil
	}

	raw, err := json.Marshal(signal)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid signal: %v", err)), nil
	}

	acc, err := s.ingress.Accept(ctx, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal rejected: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": acc.Workflow.WorkflowID,
		"incident_id": acc.Workflow.IncidentID,
		"stage":       acc.Workflow.Stage,
		"duplicate":   acc.Duplicate,
	})
}

// handleStatus returns a snapshot of one workflow record.
func (s *RemedyServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, getErr := s.store.Get(workflowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(wf)
}

// handleCancel aborts an active workflow.
func (s *RemedyServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	reason := req.GetString("reason", "")

	wf, cancelErr := s.canceler.Cancel(ctx, workflowID, reason)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id":   wf.WorkflowID,
		"stage":         wf.Stage,
		"error_message": wf.ErrorMessage,
	})
}

// handleQuery lists workflows or incident events based on filters.
func (s *RemedyServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *RemedyServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.Filter{}
	if stage, ok := filter["stage"].(string); ok {
		wf.Stage = schema.Stage(stage)
	}
	if active, ok := filter["active"].(bool); ok {
		wf.ActiveOnly = active
	}
	if traceID, ok := filter["trace_id"].(string); ok {
		wf.TraceID = traceID
	}

	workflows := s.store.List(wf)
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *RemedyServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.journal == nil {
		return mcp.NewToolResultError("incident journal is not configured"), nil
	}

	jf := journal.Filter{
		Limit: extractInt(filter, "limit", 100),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		jf.WorkflowID = wfID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		jf.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			jf.Since = &t
		}
	}

	entries, err := s.journal.Query(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": entries})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
