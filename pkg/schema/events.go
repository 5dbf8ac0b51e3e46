package schema

// Audit event type constants.
const (
	EventWorkflowStarted    = "workflow_started"
	EventWorkflowCompleted  = "workflow_completed"
	EventWorkflowFailed     = "workflow_failed"
	EventWorkflowCancelled  = "workflow_cancelled"
	EventWorkflowTimedOut   = "workflow_timed_out"
	EventStageEntered       = "stage_entered"
	EventAnalysisComplete   = "analysis_complete"
	EventRemediationProposed = "remediation_proposed"
	EventApprovalReceived   = "approval_received"
	EventExecutionComplete  = "execution_complete"
	EventFallbackApplied    = "fallback_applied"
	EventCallFailed         = "call_failed"
	EventSignalRejected     = "signal_rejected"
	EventGuardDenied        = "guard_denied"
	EventDrillInjected      = "drill_injected"
)
