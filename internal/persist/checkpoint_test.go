package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowstate/internal/engine"
	"github.com/rendis/flowstate/pkg/schema"
)

func newTestCheckpointManager(t *testing.T) *CheckpointManager {
	t.Helper()
	m, err := NewCheckpointManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func TestCheckpointManager_CreateAndGet(t *testing.T) {
	m := newTestCheckpointManager(t)

	id, err := m.Create("wf-1", testSnapshot("ctx-1"), map[string]any{"action_index": 2}, "before-deploy")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, record.ID)
	assert.Equal(t, "wf-1", record.WorkflowID)
	require.NotNil(t, record.Name)
	assert.Equal(t, "before-deploy", *record.Name)
	assert.Equal(t, 2.0, record.Data["action_index"])
	assert.Equal(t, "ctx-1", record.Context.ID)
}

func TestCheckpointManager_GetIsIdempotent(t *testing.T) {
	m := newTestCheckpointManager(t)

	id, err := m.Create("wf-1", testSnapshot("ctx-1"), nil, "")
	require.NoError(t, err)

	first, err := m.Get(id)
	require.NoError(t, err)
	second, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Nil(t, first.Name)
}

func TestCheckpointManager_GetMissing(t *testing.T) {
	m := newTestCheckpointManager(t)

	_, err := m.Get("nope")
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestCheckpointManager_GetMalformed(t *testing.T) {
	m := newTestCheckpointManager(t)

	id, err := m.Create("wf-1", testSnapshot("ctx-1"), nil, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, id+checkpointExt), []byte(`{}`), 0o644))

	_, err = m.Get(id)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidSnapshot, fe.Code)
}

func TestCheckpointManager_GetByName(t *testing.T) {
	m := newTestCheckpointManager(t)

	_, err := m.Create("wf-1", testSnapshot("ctx-old"), nil, "milestone")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Create("wf-1", testSnapshot("ctx-new"), nil, "milestone")
	require.NoError(t, err)

	record, err := m.GetByName("wf-1", "milestone")
	require.NoError(t, err)
	assert.Equal(t, "ctx-new", record.Context.ID, "the newest checkpoint wins on name collision")

	_, err = m.GetByName("wf-1", "missing")
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestCheckpointManager_ListForWorkflow(t *testing.T) {
	m := newTestCheckpointManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.Create("wf-1", testSnapshot("ctx-1"), nil, "")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	_, err := m.Create("wf-2", testSnapshot("ctx-2"), nil, "")
	require.NoError(t, err)

	records, err := m.ListForWorkflow("wf-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].Timestamp.After(records[i-1].Timestamp), "list must be newest first")
	}
}

func TestCheckpointManager_RestoreRoundTrip(t *testing.T) {
	m := newTestCheckpointManager(t)

	ec := engine.NewContext(engine.DefaultContextOptions())
	require.NoError(t, ec.Variables().SetIn("env", "prod", schema.ScopeGlobal))
	require.NoError(t, ec.Variables().Set("count", 3.0))
	require.NoError(t, ec.Variables().SetIn("scratch", "tmp", schema.ScopeLocal))
	require.NoError(t, ec.State().Transition(schema.StateRunning))
	child := ec.NewChild(engine.DefaultContextOptions())
	require.NoError(t, child.Variables().Set("nested", true))

	id, err := m.Create("wf-1", ec.Snapshot(true), map[string]any{"action_index": 2}, "mid-run")
	require.NoError(t, err)

	restored, data, err := m.Restore(id, engine.DefaultContextOptions())
	require.NoError(t, err)

	assert.Equal(t, 2.0, data["action_index"])
	assert.Equal(t, ec.ID(), restored.ID())
	assert.Equal(t, schema.StateRunning, restored.State().Current())
	assert.Equal(t, ec.Variables().Snapshot(), restored.Variables().Snapshot())

	require.Len(t, restored.Children(), 1)
	rc := restored.Children()[0]
	assert.Equal(t, child.ID(), rc.ID())
	v, ok := rc.Variables().Get("nested")
	require.True(t, ok)
	assert.Equal(t, true, v)

	// The restored context is live: it accepts transitions and runs.
	require.NoError(t, restored.State().Transition(schema.StateCompleted))
}

func TestCheckpointManager_RestoreMissing(t *testing.T) {
	m := newTestCheckpointManager(t)

	_, _, err := m.Restore("nope", engine.DefaultContextOptions())
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestCheckpointManager_Delete(t *testing.T) {
	m := newTestCheckpointManager(t)

	id, err := m.Create("wf-1", testSnapshot("ctx-1"), nil, "")
	require.NoError(t, err)

	require.NoError(t, m.Delete(id))

	_, err = m.Get(id)
	require.Error(t, err)

	err = m.Delete(id)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}
