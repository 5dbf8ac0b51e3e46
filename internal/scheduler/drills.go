// Package scheduler injects scheduled failure drills: synthetic failure
// signals that exercise the whole pipeline on a cron cadence so that a broken
// collaborator is noticed before a real incident needs it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelops/remedy/internal/audit"
	"github.com/kestrelops/remedy/internal/logging"
	"github.com/kestrelops/remedy/pkg/schema"
)

// Starter opens workflows; satisfied by the orchestrator.
type Starter interface {
	Start(ctx context.Context, signal schema.FailureSignal) (*schema.Workflow, bool, error)
}

// Drill is one configured synthetic failure.
type Drill struct {
	Name   string               `json:"name"`
	Cron   string               `json:"cron"`
	Signal schema.FailureSignal `json:"signal"`
}

type drillState struct {
	drill    Drill
	schedule cron.Schedule
	next     time.Time
}

// DrillScheduler fires configured drills on their cron schedules.
type DrillScheduler struct {
	starter Starter
	audit   audit.Recorder
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	drills []*drillState
	cancel context.CancelFunc
	done   chan struct{}
}

// DrillOption configures a DrillScheduler.
type DrillOption func(*DrillScheduler)

// WithTickInterval overrides the 60s polling interval.
func WithTickInterval(d time.Duration) DrillOption {
	return func(s *DrillScheduler) { s.interval = d }
}

// WithDrillClock injects a clock for deterministic tests.
func WithDrillClock(now func() time.Time) DrillOption {
	return func(s *DrillScheduler) { s.now = now }
}

// NewDrillScheduler parses the drill schedules up front so a bad cron
// expression fails at boot, not at 3am.
func NewDrillScheduler(starter Starter, recorder audit.Recorder, drills []Drill, logger *slog.Logger, opts ...DrillOption) (*DrillScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &DrillScheduler{
		starter:  starter,
		audit:    recorder,
		logger:   logger,
		interval: 60 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, d := range drills {
		schedule, err := parser.Parse(d.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse drill %q cron %q: %w", d.Name, d.Cron, err)
		}
		s.drills = append(s.drills, &drillState{drill: d, schedule: schedule})
	}
	return s, nil
}

// Start launches the drill loop. Drills first fire at their next scheduled
// time after Start, never retroactively.
func (s *DrillScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("drill scheduler already started")
	}

	now := s.now().UTC()
	for _, d := range s.drills {
		d.next = d.schedule.Next(now)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	s.logger.Info("drill scheduler started", "drills", len(s.drills))
	return nil
}

// Stop gracefully shuts down the drill loop. The lock is released before
// waiting on the loop: an in-flight Tick needs it to finish, and holding it
// here would deadlock the shutdown.
func (s *DrillScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("drill scheduler stopped")
}

func (s *DrillScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every drill that has come due. Exported for tests and for a
// manual trigger endpoint.
func (s *DrillScheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*drillState
	for _, d := range s.drills {
		if !d.next.After(now) {
			due = append(due, d)
			d.next = d.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		s.inject(ctx, d.drill)
	}
}

// inject opens a workflow for the drill's signal. The trace id gets a unique
// suffix so repeated drills never collide with the idempotency window.
func (s *DrillScheduler) inject(ctx context.Context, drill Drill) {
	signal := drill.Signal
	signal.Title = "[drill] " + signal.Title
	if signal.TraceID != "" {
		signal.TraceID = fmt.Sprintf("%s-%d", signal.TraceID, s.now().UnixNano())
	}
	signal.Timestamp = s.now().UTC().Format(time.RFC3339)

	wf, _, err := s.starter.Start(ctx, signal)
	if err != nil {
		s.logger.Error("drill injection failed", "drill", drill.Name, "error", err)
		return
	}

	wfCtx := logging.WithIDs(ctx, wf.WorkflowID, wf.IncidentID, signal.TraceID)
	s.audit.LogEvent(wfCtx, schema.EventDrillInjected, map[string]any{
		"drill": drill.Name,
		"title": signal.Title,
	})
	s.logger.InfoContext(wfCtx, "failure drill injected", "drill", drill.Name)
}
