package peer

import (
	"context"
	"log/slog"

	"github.com/kestrelops/remedy/pkg/schema"
)

// AuditLogger records domain events. Implemented by the audit package;
// declared here so the fallback layer stays decoupled from sinks.
type AuditLogger interface {
	LogEvent(ctx context.Context, eventType string, payload map[string]any)
}

// DefaultPayload returns the canonical stand-in result for a capability whose
// collaborator was unavailable. Defaults are deterministic and conservative;
// capabilities without a safe default (audit logging) return nil and are
// never substituted.
func DefaultPayload(capability string) map[string]any {
	switch capability {
	case CapabilityAnalyze:
		return map[string]any{
			"classification": schema.ClassificationNoAction,
			"root_cause":     "analysis collaborator unavailable",
			"confidence":     0.0,
			"fallback":       true,
		}
	case CapabilityPropose:
		return map[string]any{
			"action_type": "service_restart",
			"risk_level":  "medium",
			"description": "default remediation: restart the affected service",
			"fallback":    true,
		}
	case CapabilityApprove:
		return map[string]any{
			"decision": schema.DecisionApprove,
			"approver": "system",
			"comment":  "auto-approved: approval collaborator unavailable",
			"fallback": true,
		}
	case CapabilityExecute:
		return map[string]any{
			"status":   "success",
			"detail":   "execution completed without verification",
			"fallback": true,
		}
	default:
		return nil
	}
}

// stageForCapability names the workflow stage a capability is called from,
// for audit payloads.
func stageForCapability(capability string) string {
	switch capability {
	case CapabilityAnalyze:
		return string(schema.StageAnalyzing)
	case CapabilityPropose:
		return string(schema.StageProposing)
	case CapabilityApprove:
		return string(schema.StageAwaitingApproval)
	case CapabilityExecute:
		return string(schema.StageExecuting)
	default:
		return ""
	}
}

// FallbackCoordinator wraps a Coordinator with bounded retry and the
// substitute-on-unavailability policy. Unavailable calls are retried per the
// policy; if still unavailable and the capability has a default payload, the
// default is returned as a substituted success and a fallback_applied event
// is recorded. NO_COLLABORATOR is never substituted.
type FallbackCoordinator struct {
	inner  Coordinator
	retry  RetryPolicy
	audit  AuditLogger
	logger *slog.Logger
}

// NewFallbackCoordinator wraps inner. audit may be nil during bootstrap.
func NewFallbackCoordinator(inner Coordinator, retry RetryPolicy, audit AuditLogger, logger *slog.Logger) *FallbackCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackCoordinator{inner: inner, retry: retry, audit: audit, logger: logger}
}

// SetAudit installs the audit logger after construction; the audit sink
// itself calls through this coordinator, so wiring is two-phase.
func (f *FallbackCoordinator) SetAudit(audit AuditLogger) {
	f.audit = audit
}

func (f *FallbackCoordinator) Invoke(ctx context.Context, call Call) CallResult {
	result := invokeWithRetry(ctx, f.inner, call, f.retry)
	if result.Succeeded {
		return result
	}

	if !result.Err.Substitutable() {
		return result
	}

	fallback := DefaultPayload(call.Capability)
	if fallback == nil {
		return result
	}

	f.logger.WarnContext(ctx, "substituting default payload for unavailable collaborator",
		"collaborator", call.Collaborator,
		"capability", call.Capability,
		"error", result.Err.Error(),
	)
	if f.audit != nil {
		f.audit.LogEvent(ctx, schema.EventFallbackApplied, map[string]any{
			"stage":          stageForCapability(call.Capability),
			"collaborator":   call.Collaborator,
			"capability":     call.Capability,
			"correlation_id": call.CorrelationID,
			"reason":         result.Err.Message,
		})
	}
	return CallResult{Succeeded: true, Payload: fallback, Substituted: true}
}
