package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelops/remedy/pkg/schema"
)

type drillStarter struct {
	mu      sync.Mutex
	signals []schema.FailureSignal
}

func (s *drillStarter) Start(ctx context.Context, signal schema.FailureSignal) (*schema.Workflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal)
	return &schema.Workflow{WorkflowID: "wf-drill", Signal: signal}, false, nil
}

func (s *drillStarter) all() []schema.FailureSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.FailureSignal(nil), s.signals...)
}

type nopRecorder struct{}

func (nopRecorder) LogEvent(ctx context.Context, eventType string, payload map[string]any) {}

func testDrill() Drill {
	return Drill{
		Name: "checkout-smoke",
		Cron: "*/5 * * * *",
		Signal: schema.FailureSignal{
			Title:   "synthetic checkout failure",
			Status:  "failed",
			Error:   schema.ErrorDetails{Message: "drill", Kind: "Drill"},
			TraceID: "drill-checkout",
		},
	}
}

func TestDrillScheduler_RejectsBadCron(t *testing.T) {
	_, err := NewDrillScheduler(&drillStarter{}, nopRecorder{}, []Drill{
		{Name: "bad", Cron: "not a cron"},
	}, nil)
	require.Error(t, err)
}

func TestDrillScheduler_FiresWhenDue(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	clock := func() time.Time { return current }

	starter := &drillStarter{}
	s, err := NewDrillScheduler(starter, nopRecorder{}, []Drill{testDrill()}, nil,
		WithDrillClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// Not yet due: the first firing is the next 5-minute boundary.
	s.Tick(context.Background())
	assert.Empty(t, starter.all())

	current = current.Add(5 * time.Minute)
	s.Tick(context.Background())

	fired := starter.all()
	require.Len(t, fired, 1)
	assert.Equal(t, "[drill] synthetic checkout failure", fired[0].Title)
	assert.Contains(t, fired[0].TraceID, "drill-checkout-")
}

func TestDrillScheduler_ReschedulesAfterFiring(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	clock := func() time.Time { return current }

	starter := &drillStarter{}
	s, err := NewDrillScheduler(starter, nopRecorder{}, []Drill{testDrill()}, nil,
		WithDrillClock(clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	current = current.Add(5 * time.Minute)
	s.Tick(context.Background())
	require.Len(t, starter.all(), 1)

	// Same tick window: no double fire.
	s.Tick(context.Background())
	require.Len(t, starter.all(), 1)

	current = current.Add(5 * time.Minute)
	s.Tick(context.Background())
	assert.Len(t, starter.all(), 2)
}

func TestDrillScheduler_StopReturnsWithTickInFlight(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, err := NewDrillScheduler(&drillStarter{}, nopRecorder{}, nil, nil,
			WithTickInterval(time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))

		// Let the loop take a few ticks so Stop races a live Tick.
		time.Sleep(5 * time.Millisecond)

		stopped := make(chan struct{})
		go func() {
			s.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatalf("Stop did not return on iteration %d", i)
		}
	}
}

func TestDrillScheduler_StartStopIdempotent(t *testing.T) {
	s, err := NewDrillScheduler(&drillStarter{}, nopRecorder{}, nil, nil,
		WithTickInterval(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start must fail")

	s.Stop()
	s.Stop()
}
