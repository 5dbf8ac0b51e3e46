package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kestrelops/remedy/internal/audit"
	"github.com/kestrelops/remedy/internal/logging"
	"github.com/kestrelops/remedy/internal/metrics"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

const (
	defaultSweepInterval   = 30 * time.Second
	defaultWorkflowTimeout = 30 * time.Minute
	defaultRetention       = 5 * time.Minute
)

// Supervisor periodically sweeps the store: workflows idle past the activity
// deadline are failed, and terminal records past the retention window are
// evicted. One supervisor per store.
type Supervisor struct {
	store  store.Store
	audit  audit.Recorder
	logger *slog.Logger

	interval        time.Duration
	workflowTimeout time.Duration
	retention       time.Duration
	now             func() time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSweepInterval overrides the tick interval.
func WithSweepInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.interval = d }
}

// WithWorkflowTimeout overrides the activity deadline.
func WithWorkflowTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.workflowTimeout = d }
}

// WithRetention overrides how long terminal records stay queryable.
func WithRetention(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.retention = d }
}

// WithSupervisorClock injects a clock for deterministic tests.
func WithSupervisorClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) { s.now = now }
}

// NewSupervisor creates a supervisor with the default 30s sweep, 30m activity
// deadline and 5m terminal retention.
func NewSupervisor(st store.Store, recorder audit.Recorder, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:           st,
		audit:           recorder,
		logger:          logger,
		interval:        defaultSweepInterval,
		workflowTimeout: defaultWorkflowTimeout,
		retention:       defaultRetention,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. It returns immediately; Stop shuts the loop
// down and waits for the in-flight sweep to finish.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("supervisor started",
			"interval", s.interval.String(),
			"workflow_timeout", s.workflowTimeout.String(),
			"retention", s.retention.String(),
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("supervisor stopped")
}

// Healthy reports whether the sweep loop is running.
func (s *Supervisor) Healthy() bool {
	return s.running.Load()
}

// Sweep performs one pass over the store. Exported so operators and tests can
// force a sweep outside the tick.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := s.now().UTC()

	for _, wf := range s.store.List(store.Filter{}) {
		idle := now.Sub(wf.UpdatedAt)

		switch {
		case !wf.Stage.Terminal() && idle > s.workflowTimeout:
			s.timeOut(ctx, wf, idle)
		case wf.Stage.Terminal() && idle > s.retention:
			if s.store.Evict(wf.WorkflowID) {
				s.logger.Info("workflow evicted",
					"workflow_id", wf.WorkflowID,
					"stage", string(wf.Stage),
					"idle", idle.String(),
				)
			}
		}
	}
}

func (s *Supervisor) timeOut(ctx context.Context, wf *schema.Workflow, idle time.Duration) {
	_, err := s.store.Mutate(wf.WorkflowID, func(w *schema.Workflow) error {
		w.Stage = schema.StageFailed
		w.ErrorMessage = "workflow timeout"
		return nil
	})
	if err != nil {
		// Raced with the pipeline settling the record; nothing to do.
		var rerr *schema.RemedyError
		if !errors.As(err, &rerr) || rerr.Code != schema.ErrCodeConflict {
			s.logger.Error("timeout sweep failed to settle workflow",
				"workflow_id", wf.WorkflowID, "error", err)
		}
		return
	}

	wfCtx := logging.WithIDs(ctx, wf.WorkflowID, wf.IncidentID, wf.Signal.TraceID)
	metrics.WorkflowsTimedOut.Inc()
	metrics.ActiveWorkflows.Dec()
	metrics.WorkflowsFinished.WithLabelValues("timed_out").Inc()
	s.audit.LogEvent(wfCtx, schema.EventWorkflowTimedOut, map[string]any{
		"stage": string(schema.StageFailed),
		"idle":  idle.String(),
	})
	s.logger.WarnContext(wfCtx, "workflow timed out", "idle", idle.String(), "last_stage", string(wf.Stage))
}
