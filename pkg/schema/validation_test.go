package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *SnapshotValidator {
	t.Helper()
	v, err := NewSnapshotValidator()
	require.NoError(t, err)
	return v
}

const validContextJSON = `{
	"id": "ctx-1",
	"state": {
		"current_state": "running",
		"state_history": [
			{"old_state": "created", "new_state": "running", "timestamp": "2026-08-25T10:00:00Z"}
		]
	},
	"variables": {"global": {"env": "test"}, "workflow": {"count": 1}, "local": {}}
}`

func TestSnapshotValidator_ValidCheckpoint(t *testing.T) {
	v := newTestValidator(t)

	doc := `{
		"id": "cp-1",
		"workflow_id": "wf-1",
		"timestamp": "2026-08-25T10:00:00Z",
		"name": "before-deploy",
		"data": {"action_index": 2},
		"context": ` + validContextJSON + `
	}`
	assert.NoError(t, v.ValidateCheckpoint([]byte(doc)))
}

func TestSnapshotValidator_CheckpointMissingContext(t *testing.T) {
	v := newTestValidator(t)

	doc := `{"id": "cp-1", "workflow_id": "wf-1", "timestamp": "2026-08-25T10:00:00Z"}`
	err := v.ValidateCheckpoint([]byte(doc))
	require.Error(t, err)

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeInvalidSnapshot, fe.Code)
}

func TestSnapshotValidator_UnknownState(t *testing.T) {
	v := newTestValidator(t)

	doc := `{
		"workflow_id": "wf-1",
		"timestamp": "2026-08-25T10:00:00Z",
		"context": {
			"id": "ctx-1",
			"state": {"current_state": "exploded"},
			"variables": {"global": {}, "workflow": {}, "local": {}}
		}
	}`
	err := v.ValidateStateFile([]byte(doc))
	require.Error(t, err)

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeInvalidSnapshot, fe.Code)
	assert.NotEmpty(t, fe.Details["violations"])
}

func TestSnapshotValidator_NotJSON(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateCheckpoint([]byte("not json at all"))
	require.Error(t, err)

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeInvalidSnapshot, fe.Code)
}

func TestSnapshotValidator_NestedChildren(t *testing.T) {
	v := newTestValidator(t)

	doc := `{
		"workflow_id": "wf-1",
		"timestamp": "2026-08-25T10:00:00Z",
		"context": {
			"id": "root",
			"state": {"current_state": "running"},
			"variables": {"global": {}, "workflow": {}, "local": {}},
			"children": [
				{
					"id": "child",
					"state": {"current_state": "created"},
					"variables": {"global": {}, "workflow": {}, "local": {"step": "a"}}
				}
			]
		}
	}`
	assert.NoError(t, v.ValidateStateFile([]byte(doc)))
}
