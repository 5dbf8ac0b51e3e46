package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

func TestSupervisor_SweepTimesOutIdleWorkflows(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	s := store.NewMemoryStore(store.WithClock(clock))
	rec := &eventRecorder{}
	sup := NewSupervisor(s, rec, nil,
		WithWorkflowTimeout(30*time.Minute),
		WithSupervisorClock(clock),
	)

	stale, err := s.Create(signalFor("trace-old"))
	require.NoError(t, err)

	// A second workflow stays fresh by mutating just before the sweep.
	current = current.Add(31 * time.Minute)
	fresh, err := s.Create(signalFor("trace-new"))
	require.NoError(t, err)

	sup.Sweep(context.Background())

	got, err := s.Get(stale.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageFailed, got.Stage)
	assert.Equal(t, "workflow timeout", got.ErrorMessage)
	assert.True(t, rec.has(schema.EventWorkflowTimedOut))

	untouched, err := s.Get(fresh.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageStarted, untouched.Stage)
}

func TestSupervisor_ActivityResetsTheDeadline(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	s := store.NewMemoryStore(store.WithClock(clock))
	sup := NewSupervisor(s, &eventRecorder{}, nil,
		WithWorkflowTimeout(30*time.Minute),
		WithSupervisorClock(clock),
	)

	wf, err := s.Create(signalFor("trace-1"))
	require.NoError(t, err)

	// Progress 20 minutes in: the deadline measures inactivity, not age.
	current = current.Add(20 * time.Minute)
	_, err = s.Mutate(wf.WorkflowID, func(w *schema.Workflow) error {
		w.Stage = schema.StageAnalyzing
		return nil
	})
	require.NoError(t, err)

	current = current.Add(20 * time.Minute)
	sup.Sweep(context.Background())

	got, err := s.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageAnalyzing, got.Stage, "40m old but only 20m idle")

	current = current.Add(11 * time.Minute)
	sup.Sweep(context.Background())

	got, err = s.Get(wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StageFailed, got.Stage)
}

func TestSupervisor_SweepEvictsSettledWorkflows(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	s := store.NewMemoryStore(store.WithClock(clock))
	sup := NewSupervisor(s, &eventRecorder{}, nil,
		WithRetention(5*time.Minute),
		WithSupervisorClock(clock),
	)

	wf, err := s.Create(signalFor("trace-1"))
	require.NoError(t, err)
	_, err = s.Mutate(wf.WorkflowID, func(w *schema.Workflow) error {
		w.Stage = schema.StageFailed
		w.ErrorMessage = "boom"
		return nil
	})
	require.NoError(t, err)

	// Inside the retention window the record stays queryable.
	current = current.Add(4 * time.Minute)
	sup.Sweep(context.Background())
	_, err = s.Get(wf.WorkflowID)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	sup.Sweep(context.Background())
	_, err = s.Get(wf.WorkflowID)
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestSupervisor_TimedOutWorkflowIsEvictedAfterRetention(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	s := store.NewMemoryStore(store.WithClock(clock))
	sup := NewSupervisor(s, &eventRecorder{}, nil,
		WithWorkflowTimeout(30*time.Minute),
		WithRetention(5*time.Minute),
		WithSupervisorClock(clock),
	)

	wf, err := s.Create(signalFor("trace-1"))
	require.NoError(t, err)

	current = current.Add(31 * time.Minute)
	sup.Sweep(context.Background())

	got, err := s.Get(wf.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, schema.StageFailed, got.Stage)

	current = current.Add(6 * time.Minute)
	sup.Sweep(context.Background())
	_, err = s.Get(wf.WorkflowID)
	require.Error(t, err)
}

func TestSupervisor_StartStop(t *testing.T) {
	s := store.NewMemoryStore()
	sup := NewSupervisor(s, &eventRecorder{}, nil, WithSweepInterval(10*time.Millisecond))

	assert.False(t, sup.Healthy())
	sup.Start(context.Background())
	assert.True(t, sup.Healthy())

	// Idempotent start.
	sup.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	sup.Stop()
	assert.False(t, sup.Healthy())

	// Idempotent stop.
	sup.Stop()
}
