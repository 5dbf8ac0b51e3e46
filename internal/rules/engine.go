// Package rules evaluates operator-supplied boolean policies: the ingress
// admission filter and the execution risk guard. Policies are written in CEL
// or expr, selected per gate.
package rules

import (
	"context"
	"fmt"

	"github.com/kestrelops/remedy/pkg/schema"
)

// Engine evaluates policy expressions. Two implementations: CEL and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Dialect names for gate configuration.
const (
	DialectCEL  = "cel"
	DialectExpr = "expr"
)

// Gate is a compiled boolean policy. A nil *Gate allows everything, so
// callers can hold an optional gate without nil checks.
type Gate struct {
	engine     Engine
	expression string
}

// NewGate builds a gate for the dialect and expression. An empty expression
// yields a nil gate (allow-all).
func NewGate(dialect, expression string) (*Gate, error) {
	if expression == "" {
		return nil, nil
	}

	var engine Engine
	switch dialect {
	case DialectCEL, "":
		celEngine, err := NewCELEngine()
		if err != nil {
			return nil, err
		}
		engine = celEngine
	case DialectExpr:
		engine = NewExprEngine()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown rule dialect %q", dialect)
	}

	return &Gate{engine: engine, expression: expression}, nil
}

// Allow evaluates the policy against the data. The expression must yield a
// boolean; anything else is a policy bug surfaced as an error.
func (g *Gate) Allow(ctx context.Context, data map[string]any) (bool, error) {
	if g == nil {
		return true, nil
	}

	out, err := g.engine.Evaluate(ctx, g.expression, data)
	if err != nil {
		return false, err
	}

	allowed, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"rule %q yielded %s, want bool", g.expression, fmt.Sprintf("%T", out))
	}
	return allowed, nil
}

// Expression returns the gate's source text, for the status endpoint.
func (g *Gate) Expression() string {
	if g == nil {
		return ""
	}
	return g.expression
}
