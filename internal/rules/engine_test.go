package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_NilGateAllowsEverything(t *testing.T) {
	gate, err := NewGate(DialectCEL, "")
	require.NoError(t, err)
	require.Nil(t, gate)

	allowed, err := gate.Allow(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestGate_CELAdmissionFilter(t *testing.T) {
	gate, err := NewGate(DialectCEL, `signal.retry_count >= 2 && signal.status == "failed"`)
	require.NoError(t, err)

	allowed, err := gate.Allow(context.Background(), map[string]any{
		"signal": map[string]any{"retry_count": 3, "status": "failed"},
	})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = gate.Allow(context.Background(), map[string]any{
		"signal": map[string]any{"retry_count": 0, "status": "failed"},
	})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGate_ExprExecutionGuard(t *testing.T) {
	gate, err := NewGate(DialectExpr, `action?.risk_level != "high" || approval?.approver != "system"`)
	require.NoError(t, err)

	// Medium-risk fallback action: allowed.
	allowed, err := gate.Allow(context.Background(), map[string]any{
		"action":   map[string]any{"risk_level": "medium"},
		"approval": map[string]any{"approver": "system"},
	})
	require.NoError(t, err)
	assert.True(t, allowed)

	// High-risk action with only a system auto-approval: denied.
	allowed, err = gate.Allow(context.Background(), map[string]any{
		"action":   map[string]any{"risk_level": "high"},
		"approval": map[string]any{"approver": "system"},
	})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGate_NonBooleanResultIsError(t *testing.T) {
	gate, err := NewGate(DialectCEL, `signal.status`)
	require.NoError(t, err)

	_, err = gate.Allow(context.Background(), map[string]any{
		"signal": map[string]any{"status": "failed"},
	})
	require.Error(t, err)
}

func TestGate_CompileErrorSurfacesAtFirstUse(t *testing.T) {
	gate, err := NewGate(DialectCEL, `signal.((`)
	require.NoError(t, err)

	_, err = gate.Allow(context.Background(), nil)
	require.Error(t, err)
}

func TestGate_UnknownDialect(t *testing.T) {
	_, err := NewGate("lua", "1 == 1")
	require.Error(t, err)
}

func TestCELEngine_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	out, err := engine.Evaluate(context.Background(), `size(action) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_PipeAndCoalescing(t *testing.T) {
	engine := NewExprEngine()

	out, err := engine.Evaluate(context.Background(),
		`(signal.retry_count ?? 0) > 1`,
		map[string]any{"signal": map[string]any{"retry_count": 2}})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}
