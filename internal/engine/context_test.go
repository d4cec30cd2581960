package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowstate/pkg/schema"
)

func TestExecutionContext_ChildInheritsVariables(t *testing.T) {
	root := NewContext(DefaultContextOptions())
	require.NoError(t, root.Variables().SetIn("env", "prod", schema.ScopeGlobal))

	child := root.NewChild(DefaultContextOptions())

	v, ok := child.Variables().Get("env")
	require.True(t, ok)
	assert.Equal(t, "prod", v)

	// Child writes never leak upward.
	require.NoError(t, child.Variables().Set("env", "staging"))
	v, _ = root.Variables().Get("env")
	assert.Equal(t, "prod", v)
}

func TestExecutionContext_ChildWithoutInheritance(t *testing.T) {
	root := NewContext(DefaultContextOptions())
	require.NoError(t, root.Variables().Set("secret", "hunter2"))

	opts := DefaultContextOptions()
	opts.InheritVariables = false
	child := root.NewChild(opts)

	_, ok := child.Variables().Get("secret")
	assert.False(t, ok)
	assert.Equal(t, root, child.Parent())
}

func TestExecutionContext_Dispose(t *testing.T) {
	root := NewContext(DefaultContextOptions())
	child := root.NewChild(DefaultContextOptions())
	grandchild := child.NewChild(DefaultContextOptions())
	require.NoError(t, grandchild.Variables().Set("x", 1))

	child.Dispose()

	assert.Empty(t, root.Children())
	assert.Nil(t, child.Parent())
	assert.Nil(t, grandchild.Parent())
	_, ok := grandchild.Variables().Get("x")
	assert.False(t, ok)
}

func TestExecutionContext_Clone(t *testing.T) {
	ec := NewContext(DefaultContextOptions())
	require.NoError(t, ec.Variables().Set("count", 1))
	require.NoError(t, ec.State().Transition(schema.StateRunning))
	child := ec.NewChild(DefaultContextOptions())
	require.NoError(t, child.Variables().Set("nested", true))

	clone := ec.Clone(true)

	assert.NotEqual(t, ec.ID(), clone.ID())
	assert.Equal(t, schema.StateRunning, clone.State().Current())
	v, _ := clone.Variables().Get("count")
	assert.Equal(t, 1, v)
	require.Len(t, clone.Children(), 1)

	// Mutating the clone leaves the original untouched.
	require.NoError(t, clone.Variables().Set("count", 99))
	v, _ = ec.Variables().Get("count")
	assert.Equal(t, 1, v)
}

func TestExecutionContext_HistoryTracking(t *testing.T) {
	opts := DefaultContextOptions()
	opts.VariableHistoryLimit = 2
	ec := NewContext(opts)

	require.NoError(t, ec.State().Transition(schema.StateRunning))
	for i := 0; i < 5; i++ {
		require.NoError(t, ec.Variables().Set("n", i))
	}

	varHistory := ec.VariableHistory()
	require.Len(t, varHistory, 2)
	assert.Equal(t, 4, varHistory[1].NewValue)

	stateHistory := ec.StateHistory()
	require.Len(t, stateHistory, 1)
	assert.Equal(t, schema.StateRunning, stateHistory[0].NewState)
}

func TestExecutionContext_SnapshotRoundTrip(t *testing.T) {
	root := NewContext(DefaultContextOptions())
	require.NoError(t, root.Variables().SetIn("env", "test", schema.ScopeGlobal))
	require.NoError(t, root.Variables().Set("count", 3))
	require.NoError(t, root.State().Transition(schema.StateRunning))

	child := root.NewChild(DefaultContextOptions())
	require.NoError(t, child.Variables().SetIn("step", "a", schema.ScopeLocal))

	snap := root.Snapshot(true)

	// Serialize through JSON to prove the snapshot is a stable wire form.
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded schema.ContextSnapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored, err := FromSnapshot(&decoded, DefaultContextOptions())
	require.NoError(t, err)

	assert.Equal(t, root.ID(), restored.ID())
	assert.Equal(t, schema.StateRunning, restored.State().Current())
	v, _ := restored.Variables().Get("env")
	assert.Equal(t, "test", v)

	require.Len(t, restored.Children(), 1)
	rc := restored.Children()[0]
	assert.Equal(t, child.ID(), rc.ID())
	assert.Equal(t, restored, rc.Parent())

	// The restored child still resolves inherited variables.
	v, ok := rc.Variables().Get("env")
	require.True(t, ok)
	assert.Equal(t, "test", v)
	v, _ = rc.Variables().GetIn("step", schema.ScopeLocal)
	assert.Equal(t, "a", v)
}

func TestFromSnapshot_Invalid(t *testing.T) {
	_, err := FromSnapshot(nil, DefaultContextOptions())
	require.Error(t, err)

	_, err = FromSnapshot(&schema.ContextSnapshot{
		ID:    "ctx-1",
		State: schema.StateSnapshot{CurrentState: "exploded"},
	}, DefaultContextOptions())
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidSnapshot, fe.Code)
}
