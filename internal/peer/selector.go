package peer

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/kestrelops/remedy/pkg/schema"
)

// ResultSelector applies jq expressions to collaborator responses so that
// divergent response shapes can be projected into the minimal payload the
// state machine reads. Thread-safe; compiled code is cached.
type ResultSelector struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewResultSelector creates an empty selector cache.
func NewResultSelector() *ResultSelector {
	return &ResultSelector{cache: make(map[string]*gojq.Code)}
}

// Apply runs the jq expression against the payload and returns the projected
// object. An empty expression is the identity. The expression must yield a
// single JSON object; anything else is a protocol error.
func (s *ResultSelector) Apply(ctx context.Context, expression string, payload map[string]any) (map[string]any, error) {
	if expression == "" {
		return payload, nil
	}

	code, err := s.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, map[string]any(payload))
	val, ok := iter.Next()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCallUnavailable,
			"result selector %q produced no output", expression)
	}
	if jqErr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeCallUnavailable,
			"result selector %q failed: %s", expression, jqErr.Error()).WithCause(jqErr)
	}

	obj, isMap := val.(map[string]any)
	if !isMap {
		return nil, schema.NewErrorf(schema.ErrCodeCallUnavailable,
			"result selector %q yielded a non-object result", expression)
	}
	return obj, nil
}

func (s *ResultSelector) getOrCompile(expression string) (*gojq.Code, error) {
	s.mu.RLock()
	if code, ok := s.cache[expression]; ok {
		s.mu.RUnlock()
		return code, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	s.cache[expression] = code
	return code, nil
}
