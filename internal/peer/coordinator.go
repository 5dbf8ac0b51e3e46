package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelops/remedy/pkg/schema"
)

// Call is one outbound request to a collaborator capability.
type Call struct {
	Collaborator  string
	Capability    string
	Payload       map[string]any
	Timeout       time.Duration
	CorrelationID string
}

// CallResult is the uniform outcome of a collaborator call. Exactly one of
// Succeeded/Err describes the outcome; Substituted marks payloads that came
// from the fallback policy rather than a live collaborator.
type CallResult struct {
	Succeeded   bool
	Payload     map[string]any
	Substituted bool
	Err         *schema.RemedyError
}

func failure(err *schema.RemedyError) CallResult {
	return CallResult{Err: err}
}

// Coordinator issues calls to remote collaborators.
type Coordinator interface {
	Invoke(ctx context.Context, call Call) CallResult
}

// callEnvelope is the wire format POSTed to a collaborator's skill endpoint.
type callEnvelope struct {
	Skill         string         `json:"skill"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
}

// HTTPCoordinator invokes collaborators over HTTP. Each configured address is
// tried in order until one answers; the whole attempt shares the call's
// timeout. It performs no retries itself and applies no fallbacks; both
// belong to the layers above.
type HTTPCoordinator struct {
	registry *Registry
	client   *http.Client
	selector *ResultSelector
	logger   *slog.Logger
}

// NewHTTPCoordinator creates a coordinator over the given registry. A nil
// client gets a default with no global timeout; per-call timeouts come from
// Call.Timeout.
func NewHTTPCoordinator(registry *Registry, client *http.Client, logger *slog.Logger) *HTTPCoordinator {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCoordinator{
		registry: registry,
		client:   client,
		selector: NewResultSelector(),
		logger:   logger,
	}
}

func (c *HTTPCoordinator) Invoke(ctx context.Context, call Call) CallResult {
	ep, ok := c.registry.Lookup(call.Collaborator)
	if !ok || len(ep.Addresses) == 0 {
		return failure(schema.NewErrorf(schema.ErrCodeNoCollaborator,
			"no collaborator registered for %q", call.Collaborator).
			WithDetails(map[string]any{"capability": call.Capability}))
	}

	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	start := time.Now()
	var lastErr *schema.RemedyError
	for _, addr := range ep.Addresses {
		payload, err := c.invokeAddress(ctx, addr, ep, call)
		if err == nil {
			c.logger.InfoContext(ctx, "collaborator call succeeded",
				"collaborator", call.Collaborator,
				"capability", call.Capability,
				"address", addr,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return CallResult{Succeeded: true, Payload: payload}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	c.logger.WarnContext(ctx, "collaborator call failed",
		"collaborator", call.Collaborator,
		"capability", call.Capability,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", lastErr.Error(),
	)
	return failure(lastErr)
}

func (c *HTTPCoordinator) invokeAddress(ctx context.Context, addr string, ep Endpoint, call Call) (map[string]any, *schema.RemedyError) {
	skill := ep.Skill(call.Capability)
	body, err := json.Marshal(callEnvelope{
		Skill:         skill,
		CorrelationID: call.CorrelationID,
		Payload:       call.Payload,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "marshal call envelope").WithCause(err)
	}

	url := fmt.Sprintf("%s/skills/%s", addr, skill)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "build collaborator request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if call.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", call.CorrelationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		code := schema.ErrCodeCallUnavailable
		msg := "collaborator unreachable"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "collaborator call timed out"
		}
		return nil, schema.NewErrorf(code, "%s: %s %s", msg, call.Collaborator, call.Capability).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCallUnavailable,
			"read collaborator response from %s", addr).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeCallUnavailable,
			"collaborator %s returned HTTP %d for %s", call.Collaborator, resp.StatusCode, skill).
			WithDetails(map[string]any{"status": resp.StatusCode, "address": addr})
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCallUnavailable,
			"collaborator %s returned malformed JSON for %s", call.Collaborator, skill).WithCause(err)
	}

	if expr, ok := ep.ResultExprs[call.Capability]; ok && expr != "" {
		projected, selErr := c.selector.Apply(ctx, expr, payload)
		if selErr != nil {
			var rerr *schema.RemedyError
			if errors.As(selErr, &rerr) {
				return nil, rerr
			}
			return nil, schema.NewError(schema.ErrCodeCallUnavailable, "result selector failed").WithCause(selErr)
		}
		payload = projected
	}
	return payload, nil
}
