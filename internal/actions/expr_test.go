package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssert_Holds(t *testing.T) {
	a := NewAssert("a1", "count > 3 && name == 'build'")

	res, err := a.Execute(context.Background(), map[string]any{"count": 5, "name": "build"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestAssert_Fails(t *testing.T) {
	a := NewAssert("a1", "count > 3")

	res, err := a.Execute(context.Background(), map[string]any{"count": 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "assertion failed")
}

func TestAssert_NonBoolean(t *testing.T) {
	a := NewAssert("a1", "count + 1")

	res, err := a.Execute(context.Background(), map[string]any{"count": 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "boolean")
}

func TestAssert_CompileError(t *testing.T) {
	a := NewAssert("a1", "count >")

	res, err := a.Execute(context.Background(), map[string]any{"count": 1})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestEval_WritesTarget(t *testing.T) {
	a := NewEval("a1", "price * quantity", "subtotal")

	res, err := a.Execute(context.Background(), map[string]any{"price": 6, "quantity": 7})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 42, res.Data["subtotal"])
}

func TestEval_UndefinedVariablesAllowed(t *testing.T) {
	a := NewEval("a1", "missing == nil", "check")

	res, err := a.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["check"])
}

func TestEval_ReusesCompiledProgram(t *testing.T) {
	a := NewEval("a1", "n * 2", "doubled")

	for i := 1; i <= 3; i++ {
		res, err := a.Execute(context.Background(), map[string]any{"n": i})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, i*2, res.Data["doubled"])
	}
}
