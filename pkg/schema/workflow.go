package schema

import (
	"fmt"
	"time"
)

// Stage represents the lifecycle position of an incident workflow.
type Stage string

const (
	StageStarted          Stage = "started"
	StageAnalyzing        Stage = "analyzing"
	StageProposing        Stage = "proposing"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageExecuting        Stage = "executing"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ValidStageTransitions defines the allowed forward edges of the workflow
// state machine. Failed is additionally reachable from every non-terminal
// stage; see CanTransition.
var ValidStageTransitions = map[Stage][]Stage{
	StageStarted:          {StageAnalyzing},
	StageAnalyzing:        {StageProposing, StageCompleted},
	StageProposing:        {StageAwaitingApproval},
	StageAwaitingApproval: {StageExecuting, StageCompleted},
	StageExecuting:        {StageCompleted},
	StageCompleted:        {},
	StageFailed:           {},
}

// CanTransition reports whether from -> to is a legal stage transition.
func CanTransition(from, to Stage) bool {
	if to == StageFailed {
		return !from.Terminal()
	}
	allowed, ok := ValidStageTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ClassificationNoAction is the reserved analysis classification meaning the
// failure needs no remediation. Every other classification value, known or
// not, is treated as remediation-worthy.
const ClassificationNoAction = "no_action"

// DecisionApprove is the approval response value that releases execution.
const DecisionApprove = "approve"

// Workflow is one end-to-end incident-response run. It is exclusively owned
// by the record store; all mutation after creation goes through the store's
// Mutate so that stages never race.
type Workflow struct {
	WorkflowID string        `json:"workflow_id"`
	IncidentID string        `json:"incident_id"`
	Signal     FailureSignal `json:"signal"`
	Stage      Stage         `json:"stage"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`

	// Stage payloads, each write-once as its stage completes.
	AnalysisResult    map[string]any `json:"analysis_result,omitempty"`
	RemediationAction map[string]any `json:"remediation_action,omitempty"`
	ApprovalResponse  map[string]any `json:"approval_response,omitempty"`
	ExecutionResult   map[string]any `json:"execution_result,omitempty"`

	// ErrorMessage is set only when Stage == StageFailed.
	ErrorMessage string `json:"error_message,omitempty"`
}

// IncidentID derives the human-readable incident identifier from a workflow
// id and its creation time.
func IncidentID(workflowID string, createdAt time.Time) string {
	short := workflowID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("inc-%s-%s", createdAt.UTC().Format("20060102-150405"), short)
}

// Clone returns a deep copy so that snapshots handed to callers can never
// alias the store-owned record.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.AnalysisResult = cloneMap(w.AnalysisResult)
	cp.RemediationAction = cloneMap(w.RemediationAction)
	cp.ApprovalResponse = cloneMap(w.ApprovalResponse)
	cp.ExecutionResult = cloneMap(w.ExecutionResult)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
