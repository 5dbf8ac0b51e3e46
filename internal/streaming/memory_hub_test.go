package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelops/remedy/pkg/schema"
)

func recvOne(t *testing.T, ch <-chan IncidentEvent) IncidentEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return IncidentEvent{}
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, IncidentEvent{
		WorkflowID: "wf-1",
		Stage:      string(schema.StageAnalyzing),
		EventType:  schema.EventStageEntered,
	}))

	ev := recvOne(t, ch)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.Equal(t, schema.EventStageEntered, ev.EventType)
}

func TestMemoryHub_FilterByWorkflow(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, IncidentEvent{WorkflowID: "wf-1", EventType: schema.EventWorkflowStarted}))
	require.NoError(t, hub.Publish(ctx, IncidentEvent{WorkflowID: "wf-2", EventType: schema.EventWorkflowStarted}))

	ev := recvOne(t, ch)
	assert.Equal(t, "wf-2", ev.WorkflowID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventFallbackApplied}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, IncidentEvent{WorkflowID: "wf-1", EventType: schema.EventStageEntered}))
	require.NoError(t, hub.Publish(ctx, IncidentEvent{WorkflowID: "wf-1", EventType: schema.EventFallbackApplied}))

	ev := recvOne(t, ch)
	assert.Equal(t, schema.EventFallbackApplied, ev.EventType)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, IncidentEvent{WorkflowID: "wf-1", EventType: schema.EventWorkflowStarted}))

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("received event after cancel: %+v", ev)
		}
	default:
	}
}

func TestMemoryHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultChannelBuffer*2; i++ {
			_ = hub.Publish(ctx, IncidentEvent{WorkflowID: "wf-1", EventType: schema.EventStageEntered})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
