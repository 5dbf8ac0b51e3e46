package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelops/remedy/internal/audit"
	"github.com/kestrelops/remedy/internal/logging"
	"github.com/kestrelops/remedy/internal/metrics"
	"github.com/kestrelops/remedy/internal/peer"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

// ExecutionGuard decides whether a proposed remediation may be executed.
// Implemented by the rules package; a nil guard allows everything.
type ExecutionGuard interface {
	Allow(ctx context.Context, payload map[string]any) (bool, error)
}

// Orchestrator drives each workflow through its stages in a dedicated
// goroutine. All record mutation goes through the store; the orchestrator
// itself holds no workflow state beyond the cancel handles of running
// pipelines.
type Orchestrator struct {
	store       store.Store
	coordinator peer.Coordinator
	audit       audit.Recorder
	guard       ExecutionGuard
	logger      *slog.Logger
	plan        map[schema.Stage]stageCall

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithExecutionGuard installs the execution risk guard.
func WithExecutionGuard(guard ExecutionGuard) OrchestratorOption {
	return func(o *Orchestrator) { o.guard = guard }
}

// WithStageTimeout overrides the call timeout for one stage.
func WithStageTimeout(stage schema.Stage, timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		call := o.plan[stage]
		call.Timeout = timeout
		o.plan[stage] = call
	}
}

// NewOrchestrator wires the pipeline together. The coordinator is expected to
// already carry the retry and fallback layers.
func NewOrchestrator(s store.Store, coordinator peer.Coordinator, recorder audit.Recorder, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:       s,
		coordinator: coordinator,
		audit:       recorder,
		logger:      logger,
		plan:        make(map[schema.Stage]stageCall, len(stagePlan)),
		running:     make(map[string]context.CancelFunc),
	}
	for stage, call := range stagePlan {
		o.plan[stage] = call
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start opens a workflow for the signal and launches its pipeline. When the
// signal carries a trace id that already has an active workflow, that
// workflow is returned instead with duplicate=true and no new pipeline is
// started. The duplicate check and the insert share the orchestrator lock so
// concurrent signals for one trace can never both pass the check.
func (o *Orchestrator) Start(ctx context.Context, signal schema.FailureSignal) (*schema.Workflow, bool, error) {
	o.mu.Lock()
	if signal.TraceID != "" {
		if active := o.store.List(store.Filter{TraceID: signal.TraceID, ActiveOnly: true}); len(active) > 0 {
			o.mu.Unlock()
			return active[0], true, nil
		}
	}

	wf, err := o.store.Create(signal)
	if err != nil {
		o.mu.Unlock()
		return nil, false, err
	}

	// The pipeline outlives the webhook request; detach from its context.
	runCtx, cancel := context.WithCancel(
		logging.WithIDs(context.Background(), wf.WorkflowID, wf.IncidentID, signal.TraceID))
	o.running[wf.WorkflowID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	wfCtx := logging.WithIDs(ctx, wf.WorkflowID, wf.IncidentID, signal.TraceID)
	metrics.WorkflowsStarted.Inc()
	metrics.ActiveWorkflows.Inc()
	o.audit.LogEvent(wfCtx, schema.EventWorkflowStarted, map[string]any{
		"stage": string(wf.Stage),
		"title": signal.Title,
	})
	o.logger.InfoContext(wfCtx, "workflow started", "title", signal.Title)

	go o.run(runCtx, wf.WorkflowID)

	return wf, false, nil
}

// Cancel moves an active workflow to failed with the given reason and stops
// its pipeline. Cancelling a terminal workflow returns CONFLICT.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*schema.Workflow, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}

	wf, err := o.store.Mutate(id, func(w *schema.Workflow) error {
		w.Stage = schema.StageFailed
		w.ErrorMessage = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.stopPipeline(id)

	wfCtx := logging.WithIDs(ctx, wf.WorkflowID, wf.IncidentID, wf.Signal.TraceID)
	metrics.ActiveWorkflows.Dec()
	metrics.WorkflowsFinished.WithLabelValues("cancelled").Inc()
	o.audit.LogEvent(wfCtx, schema.EventWorkflowCancelled, map[string]any{
		"stage":  string(wf.Stage),
		"reason": reason,
	})
	o.logger.InfoContext(wfCtx, "workflow cancelled", "reason", reason)
	return wf, nil
}

// Shutdown stops all pipelines, fails every active workflow with a shutdown
// reason and waits for the goroutines to drain or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()

	for _, wf := range o.store.List(store.Filter{ActiveOnly: true}) {
		o.failWorkflow(ctx, wf.WorkflowID, "system shutdown", schema.EventWorkflowFailed, "failed")
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports the number of live pipelines, used by the health endpoint.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) stopPipeline(id string) {
	o.mu.Lock()
	if cancel, ok := o.running[id]; ok {
		cancel()
		delete(o.running, id)
	}
	o.mu.Unlock()
}

// run executes the stage pipeline for one workflow until it reaches a
// terminal stage or its context is cancelled.
func (o *Orchestrator) run(ctx context.Context, id string) {
	defer o.wg.Done()
	defer o.stopPipeline(id)

	wf, ok := o.advance(ctx, id, schema.StageAnalyzing, FieldNone, nil)
	if !ok {
		return
	}

	for !wf.Stage.Terminal() {
		if ctx.Err() != nil {
			return
		}

		call, planned := o.plan[wf.Stage]
		if !planned {
			o.failWorkflow(ctx, id, "no call is defined for stage "+string(wf.Stage), schema.EventWorkflowFailed, "failed")
			return
		}

		if wf.Stage == schema.StageExecuting && !o.executionAllowed(ctx, id, wf) {
			return
		}

		result := o.invoke(ctx, wf, call)
		decision := Decide(wf.Stage, result)

		if decision.Next == schema.StageFailed {
			if result.Err != nil {
				o.audit.LogEvent(ctx, schema.EventCallFailed, map[string]any{
					"stage":        string(wf.Stage),
					"collaborator": call.Collaborator,
					"capability":   call.Capability,
					"error":        result.Err.Error(),
				})
			}
			o.failWorkflow(ctx, id, decision.Reason, schema.EventWorkflowFailed, "failed")
			return
		}

		wf, ok = o.advance(ctx, id, decision.Next, decision.Field, decision.Payload)
		if !ok {
			return
		}
		if wf.Stage == schema.StageCompleted {
			o.complete(ctx, wf, decision.Reason)
			return
		}
	}
}

// invoke issues the collaborator call for the workflow's current stage and
// records its latency.
func (o *Orchestrator) invoke(ctx context.Context, wf *schema.Workflow, call stageCall) peer.CallResult {
	start := time.Now()
	result := o.coordinator.Invoke(ctx, peer.Call{
		Collaborator:  call.Collaborator,
		Capability:    call.Capability,
		Payload:       o.stagePayload(wf),
		Timeout:       call.Timeout,
		CorrelationID: wf.Signal.TraceID,
	})

	outcome := "success"
	switch {
	case result.Substituted:
		outcome = "fallback"
		metrics.FallbacksApplied.WithLabelValues(call.Capability).Inc()
	case !result.Succeeded:
		outcome = "error"
	}
	metrics.CollaboratorCallDuration.WithLabelValues(call.Collaborator, outcome).
		Observe(time.Since(start).Seconds())
	return result
}

// stagePayload assembles the request body for the current stage's call from
// the results accumulated so far.
func (o *Orchestrator) stagePayload(wf *schema.Workflow) map[string]any {
	switch wf.Stage {
	case schema.StageAnalyzing:
		return map[string]any{
			"incident_id": wf.IncidentID,
			"signal":      wf.Signal.Map(),
		}
	case schema.StageProposing:
		return map[string]any{
			"incident_id": wf.IncidentID,
			"signal":      wf.Signal.Map(),
			"analysis":    wf.AnalysisResult,
		}
	case schema.StageAwaitingApproval:
		return map[string]any{
			"incident_id": wf.IncidentID,
			"analysis":    wf.AnalysisResult,
			"action":      wf.RemediationAction,
		}
	case schema.StageExecuting:
		return map[string]any{
			"incident_id": wf.IncidentID,
			"action":      wf.RemediationAction,
			"approval":    wf.ApprovalResponse,
		}
	default:
		return map[string]any{"incident_id": wf.IncidentID}
	}
}

// executionAllowed runs the risk guard before the execute call. A denial
// completes the workflow with the execution skipped.
func (o *Orchestrator) executionAllowed(ctx context.Context, id string, wf *schema.Workflow) bool {
	if o.guard == nil {
		return true
	}

	allowed, err := o.guard.Allow(ctx, map[string]any{
		"action":   wf.RemediationAction,
		"approval": wf.ApprovalResponse,
		"signal":   wf.Signal.Map(),
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "execution guard evaluation failed", "error", err)
		o.failWorkflow(ctx, id, "execution guard error: "+err.Error(), schema.EventWorkflowFailed, "failed")
		return false
	}
	if allowed {
		return true
	}

	o.audit.LogEvent(ctx, schema.EventGuardDenied, map[string]any{
		"stage":  string(schema.StageExecuting),
		"action": wf.RemediationAction,
	})
	done, ok := o.advance(ctx, id, schema.StageCompleted, FieldExecution, map[string]any{
		"status": "skipped",
		"detail": "execution denied by risk guard",
	})
	if ok {
		o.complete(ctx, done, "execution denied by risk guard")
	}
	return false
}

// advance transitions the workflow, writes the stage payload and emits the
// stage events. Returns ok=false when the record was already terminal
// (cancelled or swept concurrently) or the transition is illegal.
func (o *Orchestrator) advance(ctx context.Context, id string, next schema.Stage, field ResultField, payload map[string]any) (*schema.Workflow, bool) {
	wf, err := o.store.Mutate(id, func(w *schema.Workflow) error {
		if !schema.CanTransition(w.Stage, next) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"illegal transition %s -> %s", w.Stage, next)
		}
		w.Stage = next
		applyField(w, field, payload)
		return nil
	})
	if err != nil {
		var rerr *schema.RemedyError
		if errors.As(err, &rerr) && rerr.Code == schema.ErrCodeConflict {
			// Raced with cancel or the supervisor; the record settled elsewhere.
			return nil, false
		}
		o.logger.ErrorContext(ctx, "stage transition rejected", "next", string(next), "error", err)
		return nil, false
	}

	if ev, hasEvent := fieldEvents[field]; hasEvent {
		o.audit.LogEvent(ctx, ev, map[string]any{
			"stage":  string(wf.Stage),
			"result": payload,
		})
	}
	if !wf.Stage.Terminal() {
		o.audit.LogEvent(ctx, schema.EventStageEntered, map[string]any{"stage": string(wf.Stage)})
		o.logger.InfoContext(ctx, "stage entered", "stage", string(wf.Stage))
	}
	return wf, true
}

func (o *Orchestrator) complete(ctx context.Context, wf *schema.Workflow, reason string) {
	metrics.ActiveWorkflows.Dec()
	metrics.WorkflowsFinished.WithLabelValues("completed").Inc()
	o.audit.LogEvent(ctx, schema.EventWorkflowCompleted, map[string]any{
		"stage":  string(schema.StageCompleted),
		"reason": reason,
	})
	o.logger.InfoContext(ctx, "workflow completed", "reason", reason)
}

// failWorkflow settles the record in the failed stage. Safe to call on a
// record that has already settled; the CONFLICT is swallowed.
func (o *Orchestrator) failWorkflow(ctx context.Context, id, reason, eventType, outcome string) {
	wf, err := o.store.Mutate(id, func(w *schema.Workflow) error {
		w.Stage = schema.StageFailed
		w.ErrorMessage = reason
		return nil
	})
	if err != nil {
		var rerr *schema.RemedyError
		if !errors.As(err, &rerr) || rerr.Code != schema.ErrCodeConflict {
			o.logger.ErrorContext(ctx, "failed to settle workflow", "error", err)
		}
		return
	}

	wfCtx := logging.WithIDs(ctx, wf.WorkflowID, wf.IncidentID, wf.Signal.TraceID)
	metrics.ActiveWorkflows.Dec()
	metrics.WorkflowsFinished.WithLabelValues(outcome).Inc()
	o.audit.LogEvent(wfCtx, eventType, map[string]any{
		"stage":  string(schema.StageFailed),
		"reason": reason,
	})
	o.logger.WarnContext(wfCtx, "workflow failed", "reason", reason)
}

// fieldEvents maps result slots to the audit event emitted when they fill.
var fieldEvents = map[ResultField]string{
	FieldAnalysis:    schema.EventAnalysisComplete,
	FieldRemediation: schema.EventRemediationProposed,
	FieldApproval:    schema.EventApprovalReceived,
	FieldExecution:   schema.EventExecutionComplete,
}
