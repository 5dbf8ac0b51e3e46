// Package ingress turns raw webhook payloads into accepted workflows: JSON
// Schema validation first, then the admission filter, then the orchestrator.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kestrelops/remedy/internal/audit"
	"github.com/kestrelops/remedy/internal/logging"
	"github.com/kestrelops/remedy/internal/metrics"
	"github.com/kestrelops/remedy/internal/rules"
	"github.com/kestrelops/remedy/pkg/schema"
)

// signalSchemaJSON validates inbound failure signals. Embedded as a constant
// to avoid filesystem dependencies.
const signalSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://kestrelops.dev/schemas/failure-signal.json",
  "type": "object",
  "required": ["title", "status", "error", "retry_count", "trace_id"],
  "properties": {
    "title": {
      "type": "string",
      "minLength": 1
    },
    "status": {
      "type": "string",
      "minLength": 1
    },
    "error": {
      "type": "object",
      "required": ["message"],
      "properties": {
        "message": { "type": "string" },
        "stack": { "type": "string" },
        "kind": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry_count": {
      "type": "integer",
      "minimum": 0
    },
    "trace_id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "video_url": { "type": "string" },
    "trace_url": { "type": "string" }
  },
  "additionalProperties": false
}`

// Starter opens workflows; implemented by the orchestrator.
type Starter interface {
	Start(ctx context.Context, signal schema.FailureSignal) (*schema.Workflow, bool, error)
}

// Acceptance is the outcome of a successfully admitted signal.
type Acceptance struct {
	Workflow  *schema.Workflow
	Duplicate bool
}

// Adapter validates, filters and forwards inbound failure signals.
type Adapter struct {
	signalSchema *jsonschema.Schema
	admission    *rules.Gate
	starter      Starter
	audit        audit.Recorder
	logger       *slog.Logger
}

// NewAdapter compiles the signal schema and wires the admission gate. A nil
// gate admits every valid signal.
func NewAdapter(starter Starter, admission *rules.Gate, recorder audit.Recorder, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(signalSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal signal schema: %w", err)
	}
	if err := c.AddResource("https://kestrelops.dev/schemas/failure-signal.json", doc); err != nil {
		return nil, fmt.Errorf("add signal schema resource: %w", err)
	}
	compiled, err := c.Compile("https://kestrelops.dev/schemas/failure-signal.json")
	if err != nil {
		return nil, fmt.Errorf("compile signal schema: %w", err)
	}

	return &Adapter{
		signalSchema: compiled,
		admission:    admission,
		starter:      starter,
		audit:        recorder,
		logger:       logger,
	}, nil
}

// Accept validates the raw payload, runs it through the admission filter and
// opens (or reuses) a workflow. Rejections return a VALIDATION_ERROR whose
// details say why.
func (a *Adapter) Accept(ctx context.Context, raw []byte) (*Acceptance, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		a.reject(ctx, "malformed_json", err.Error())
		return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON").WithCause(err)
	}

	if err := a.signalSchema.Validate(doc); err != nil {
		rerr := toValidationError(err)
		a.reject(ctx, "schema_violation", rerr.Message)
		return nil, rerr
	}

	var signal schema.FailureSignal
	if err := json.Unmarshal(raw, &signal); err != nil {
		a.reject(ctx, "malformed_json", err.Error())
		return nil, schema.NewError(schema.ErrCodeValidation, "payload does not decode as a failure signal").WithCause(err)
	}
	if signal.Timestamp == "" {
		signal.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	ctx = logging.WithTraceID(ctx, signal.TraceID)

	allowed, err := a.admission.Allow(ctx, map[string]any{"signal": signal.Map()})
	if err != nil {
		a.logger.ErrorContext(ctx, "admission filter evaluation failed", "error", err)
		return nil, schema.NewError(schema.ErrCodeInternal, "admission filter failed").WithCause(err)
	}
	if !allowed {
		a.reject(ctx, "filtered", "signal rejected by admission filter")
		return nil, schema.NewError(schema.ErrCodeValidation, "signal rejected by admission filter").
			WithDetails(map[string]any{"reason": "filtered", "filter": a.admission.Expression()})
	}

	wf, duplicate, err := a.starter.Start(ctx, signal)
	if err != nil {
		return nil, err
	}
	if duplicate {
		a.logger.InfoContext(ctx, "duplicate signal joined to active workflow",
			"workflow_id", wf.WorkflowID)
	}
	return &Acceptance{Workflow: wf, Duplicate: duplicate}, nil
}

func (a *Adapter) reject(ctx context.Context, reason, detail string) {
	metrics.SignalsRejected.WithLabelValues(reason).Inc()
	a.audit.LogEvent(ctx, schema.EventSignalRejected, map[string]any{
		"reason": reason,
		"detail": detail,
	})
	a.logger.WarnContext(ctx, "failure signal rejected", "reason", reason, "detail", detail)
}

// toValidationError flattens a jsonschema validation tree into a
// RemedyError listing the leaf violations.
func toValidationError(err error) *schema.RemedyError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "signal validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
