package engine

import (
	"time"

	"github.com/kestrelops/remedy/internal/peer"
	"github.com/kestrelops/remedy/pkg/schema"
)

// ResultField names the workflow slot a stage result is written to.
type ResultField int

const (
	FieldNone ResultField = iota
	FieldAnalysis
	FieldRemediation
	FieldApproval
	FieldExecution
)

// Decision is the pure outcome of interpreting one collaborator result: the
// stage to move to, the payload slot to fill, and the reason when the move is
// terminal.
type Decision struct {
	Next    schema.Stage
	Field   ResultField
	Payload map[string]any
	Reason  string
}

// stageCall binds an active stage to the collaborator call it performs.
type stageCall struct {
	Collaborator string
	Capability   string
	Timeout      time.Duration
}

// stagePlan maps every active stage to its collaborator call. Timeouts are
// per call; the workflow-level deadline is the supervisor's business.
var stagePlan = map[schema.Stage]stageCall{
	schema.StageAnalyzing:        {peer.CollaboratorAnalysis, peer.CapabilityAnalyze, 45 * time.Second},
	schema.StageProposing:        {peer.CollaboratorRemediation, peer.CapabilityPropose, 60 * time.Second},
	schema.StageAwaitingApproval: {peer.CollaboratorApproval, peer.CapabilityApprove, 45 * time.Second},
	schema.StageExecuting:        {peer.CollaboratorRemediation, peer.CapabilityExecute, 90 * time.Second},
}

// Decide interprets the result of the collaborator call made in the given
// stage. It performs no I/O and never mutates its inputs.
func Decide(stage schema.Stage, result peer.CallResult) Decision {
	if !result.Succeeded {
		return Decision{Next: schema.StageFailed, Reason: result.Err.Error()}
	}

	switch stage {
	case schema.StageAnalyzing:
		if classification, _ := result.Payload["classification"].(string); classification == schema.ClassificationNoAction {
			return Decision{
				Next:    schema.StageCompleted,
				Field:   FieldAnalysis,
				Payload: result.Payload,
				Reason:  "no action required",
			}
		}
		return Decision{Next: schema.StageProposing, Field: FieldAnalysis, Payload: result.Payload}

	case schema.StageProposing:
		return Decision{Next: schema.StageAwaitingApproval, Field: FieldRemediation, Payload: result.Payload}

	case schema.StageAwaitingApproval:
		if decision, _ := result.Payload["decision"].(string); decision != schema.DecisionApprove {
			return Decision{
				Next:    schema.StageCompleted,
				Field:   FieldApproval,
				Payload: result.Payload,
				Reason:  "remediation rejected",
			}
		}
		return Decision{Next: schema.StageExecuting, Field: FieldApproval, Payload: result.Payload}

	case schema.StageExecuting:
		return Decision{
			Next:    schema.StageCompleted,
			Field:   FieldExecution,
			Payload: result.Payload,
			Reason:  "remediation executed",
		}

	default:
		return Decision{Next: schema.StageFailed, Reason: "no call is defined for stage " + string(stage)}
	}
}

// applyField writes the decision payload into the matching workflow slot.
func applyField(wf *schema.Workflow, field ResultField, payload map[string]any) {
	switch field {
	case FieldAnalysis:
		wf.AnalysisResult = payload
	case FieldRemediation:
		wf.RemediationAction = payload
	case FieldApproval:
		wf.ApprovalResponse = payload
	case FieldExecution:
		wf.ExecutionResult = payload
	}
}
