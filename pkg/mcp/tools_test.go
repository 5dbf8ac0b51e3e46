package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelops/remedy/internal/ingress"
	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

// --- Mocks ---

type mockStarter struct {
	started   []schema.FailureSignal
	duplicate bool
	err       error
}

func (m *mockStarter) Start(_ context.Context, signal schema.FailureSignal) (*schema.Workflow, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	m.started = append(m.started, signal)
	now := time.Now().UTC()
	return &schema.Workflow{
		WorkflowID: "wf-mcp-1",
		IncidentID: schema.IncidentID("wf-mcp-1", now),
		Signal:     signal,
		Stage:      schema.StageStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, m.duplicate, nil
}

type mockCanceler struct {
	cancelled []string
	reasons   []string
	err       error
}

func (m *mockCanceler) Cancel(_ context.Context, workflowID, reason string) (*schema.Workflow, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.cancelled = append(m.cancelled, workflowID)
	m.reasons = append(m.reasons, reason)
	return &schema.Workflow{
		WorkflowID:   workflowID,
		Stage:        schema.StageFailed,
		ErrorMessage: reason,
	}, nil
}

type mockJournal struct {
	entries []*journal.Entry
}

func (m *mockJournal) Append(_ context.Context, entry *journal.Entry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockJournal) Events(_ context.Context, workflowID string, since int64) ([]*journal.Entry, error) {
	return m.entries, nil
}

func (m *mockJournal) Query(_ context.Context, filter journal.Filter) ([]*journal.Entry, error) {
	result := make([]*journal.Entry, 0)
	for _, e := range m.entries {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockJournal) Close() error { return nil }

type nopRecorder struct{}

func (nopRecorder) LogEvent(context.Context, string, map[string]any) {}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, starter *mockStarter, canceler *mockCanceler, jrnl journal.Journal) *RemedyServer {
	t.Helper()
	adapter, err := ingress.NewAdapter(starter, nil, nopRecorder{}, nil)
	require.NoError(t, err)

	return NewRemedyServer(RemedyServerDeps{
		Ingress:  adapter,
		Store:    store.NewMemoryStore(),
		Journal:  jrnl,
		Canceler: canceler,
	})
}

func validSignal() map[string]any {
	return map[string]any{
		"title":  "checkout failed",
		"status": "failed",
		"error": map[string]any{
			"message": "connection refused",
			"kind":    "ConnectionError",
		},
		"retry_count": 1,
		"trace_id":    "trace-mcp-1",
	}
}

func resultPayload(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	return payload
}

// --- Tests ---

func TestTriggerTool(t *testing.T) {
	starter := &mockStarter{}
	s := newTestServer(t, starter, &mockCanceler{}, &mockJournal{})

	req := buildRequest("remedy.trigger", map[string]any{"signal": validSignal()})

	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.Len(t, starter.started, 1)
	assert.Equal(t, "checkout failed", starter.started[0].Title)

	payload := resultPayload(t, result)
	assert.Equal(t, "wf-mcp-1", payload["workflow_id"])
	assert.Equal(t, false, payload["duplicate"])
}

func TestTriggerToolRejectsInvalidSignal(t *testing.T) {
	starter := &mockStarter{}
	s := newTestServer(t, starter, &mockCanceler{}, &mockJournal{})

	// Missing required fields.
	req := buildRequest("remedy.trigger", map[string]any{
		"signal": map[string]any{"title": "incomplete"},
	})

	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, starter.started)
}

func TestTriggerToolMissingSignal(t *testing.T) {
	s := newTestServer(t, &mockStarter{}, &mockCanceler{}, &mockJournal{})

	result, err := s.handleTrigger(context.Background(), buildRequest("remedy.trigger", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTriggerToolSurfacesDuplicate(t *testing.T) {
	starter := &mockStarter{duplicate: true}
	s := newTestServer(t, starter, &mockCanceler{}, &mockJournal{})

	result, err := s.handleTrigger(context.Background(), buildRequest("remedy.trigger", map[string]any{
		"signal": validSignal(),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	assert.Equal(t, true, payload["duplicate"])
}

func TestStatusTool(t *testing.T) {
	st := store.NewMemoryStore()
	wf, err := st.Create(schema.FailureSignal{Title: "db down", Status: "failed"})
	require.NoError(t, err)

	adapter, err := ingress.NewAdapter(&mockStarter{}, nil, nopRecorder{}, nil)
	require.NoError(t, err)
	s := NewRemedyServer(RemedyServerDeps{
		Ingress:  adapter,
		Store:    st,
		Journal:  &mockJournal{},
		Canceler: &mockCanceler{},
	})

	req := buildRequest("remedy.status", map[string]any{"workflow_id": wf.WorkflowID})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	assert.Equal(t, wf.WorkflowID, payload["workflow_id"])
	assert.Equal(t, string(schema.StageStarted), payload["stage"])
}

func TestStatusToolUnknownWorkflow(t *testing.T) {
	s := newTestServer(t, &mockStarter{}, &mockCanceler{}, &mockJournal{})

	req := buildRequest("remedy.status", map[string]any{"workflow_id": "wf-missing"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	canceler := &mockCanceler{}
	s := newTestServer(t, &mockStarter{}, canceler, &mockJournal{})

	req := buildRequest("remedy.cancel", map[string]any{
		"workflow_id": "wf-abc",
		"reason":      "operator abort",
	})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, canceler.cancelled, 1)
	assert.Equal(t, "wf-abc", canceler.cancelled[0])
	assert.Equal(t, "operator abort", canceler.reasons[0])
}

func TestCancelToolConflict(t *testing.T) {
	canceler := &mockCanceler{err: schema.NewError(schema.ErrCodeConflict, "workflow already settled")}
	s := newTestServer(t, &mockStarter{}, canceler, &mockJournal{})

	req := buildRequest("remedy.cancel", map[string]any{"workflow_id": "wf-done"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryToolWorkflows(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.Create(schema.FailureSignal{Title: "a", Status: "failed", TraceID: "t-1"})
	require.NoError(t, err)
	_, err = st.Create(schema.FailureSignal{Title: "b", Status: "failed", TraceID: "t-2"})
	require.NoError(t, err)

	adapter, err := ingress.NewAdapter(&mockStarter{}, nil, nopRecorder{}, nil)
	require.NoError(t, err)
	s := NewRemedyServer(RemedyServerDeps{
		Ingress:  adapter,
		Store:    st,
		Journal:  &mockJournal{},
		Canceler: &mockCanceler{},
	})

	req := buildRequest("remedy.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"trace_id": "t-2"},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	workflows, ok := payload["workflows"].([]any)
	require.True(t, ok)
	assert.Len(t, workflows, 1)
}

func TestQueryToolEvents(t *testing.T) {
	jrnl := &mockJournal{entries: []*journal.Entry{
		{WorkflowID: "wf-1", EventType: schema.EventStageEntered},
		{WorkflowID: "wf-1", EventType: schema.EventFallbackApplied},
		{WorkflowID: "wf-2", EventType: schema.EventStageEntered},
	}}
	s := newTestServer(t, &mockStarter{}, &mockCanceler{}, jrnl)

	req := buildRequest("remedy.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"workflow_id": "wf-1", "event_type": schema.EventFallbackApplied},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := resultPayload(t, result)
	events, ok := payload["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestQueryToolUnknownResource(t *testing.T) {
	s := newTestServer(t, &mockStarter{}, &mockCanceler{}, &mockJournal{})

	req := buildRequest("remedy.query", map[string]any{"resource": "agents"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestServerRegistersAllTools(t *testing.T) {
	s := newTestServer(t, &mockStarter{}, &mockCanceler{}, &mockJournal{})
	require.NotNil(t, s.MCPServer())
	assert.Len(t, s.tools(), 4)
}
