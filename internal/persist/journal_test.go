package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowstate/pkg/schema"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(context.Background(), "file:"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func appendEvent(t *testing.T, j *Journal, wfID string, et schema.EventType, actionID string) {
	t.Helper()
	rec := &schema.EventRecord{
		EventType:  et,
		WorkflowID: wfID,
		Timestamp:  time.Now().UTC(),
	}
	if actionID != "" {
		rec.Data = map[string]any{"action_id": actionID}
	}
	require.NoError(t, j.Append(context.Background(), rec))
}

func TestJournal_AppendMonotonicSequence(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendEvent(t, j, "wf-1", schema.EventActionStarted, "a1")
	}

	events, err := j.Events(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence should be monotonic")
	}
}

func TestJournal_SequencesArePerWorkflow(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	appendEvent(t, j, "wf-1", schema.EventWorkflowStarted, "")
	appendEvent(t, j, "wf-2", schema.EventWorkflowStarted, "")
	appendEvent(t, j, "wf-1", schema.EventWorkflowCompleted, "")

	events, err := j.Events(ctx, "wf-2", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)

	events, err = j.Events(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestJournal_EventsSince(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for _, et := range []schema.EventType{
		schema.EventWorkflowStarted, schema.EventActionStarted, schema.EventActionCompleted,
	} {
		appendEvent(t, j, "wf-1", et, "")
	}

	events, err := j.Events(ctx, "wf-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestJournal_AppendValidation(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.Error(t, j.Append(ctx, nil))
	require.Error(t, j.Append(ctx, &schema.EventRecord{EventType: schema.EventWorkflowStarted}))
}

func TestJournal_PayloadRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	rec := &schema.EventRecord{
		EventType:  schema.EventActionCompleted,
		WorkflowID: "wf-1",
		Timestamp:  time.Now().UTC(),
		Data: map[string]any{
			"action_id": "a1",
			"result":    map[string]any{"success": true},
		},
	}
	require.NoError(t, j.Append(ctx, rec))

	events, err := j.Events(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a1", events[0].ActionID)
	assert.Equal(t, schema.EventActionCompleted, events[0].Type)
	assert.Contains(t, string(events[0].Payload), `"success":true`)
}

func TestJournal_Replay(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	appendEvent(t, j, "wf-1", schema.EventWorkflowStarted, "")
	appendEvent(t, j, "wf-1", schema.EventActionStarted, "a1")
	appendEvent(t, j, "wf-1", schema.EventActionCompleted, "a1")
	appendEvent(t, j, "wf-1", schema.EventActionStarted, "a2")
	appendEvent(t, j, "wf-1", schema.EventActionFailed, "a2")
	appendEvent(t, j, "wf-1", schema.EventActionSkipped, "a3")
	appendEvent(t, j, "wf-1", schema.EventWorkflowFailed, "")

	outcomes, err := j.Replay(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, schema.EventActionCompleted, outcomes["a1"].Status)
	require.NotNil(t, outcomes["a1"].StartedAt)
	require.NotNil(t, outcomes["a1"].CompletedAt)

	assert.Equal(t, schema.EventActionFailed, outcomes["a2"].Status)
	assert.Equal(t, schema.EventActionSkipped, outcomes["a3"].Status)
	assert.Nil(t, outcomes["a3"].StartedAt)
}

func TestJournal_ReplayDetectsSequenceGap(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	appendEvent(t, j, "wf-1", schema.EventWorkflowStarted, "")
	appendEvent(t, j, "wf-1", schema.EventActionStarted, "a1")
	appendEvent(t, j, "wf-1", schema.EventActionCompleted, "a1")

	// Punch a hole in the sequence.
	_, err := j.db.Exec(`DELETE FROM events WHERE workflow_id = ? AND sequence = 2`, "wf-1")
	require.NoError(t, err)

	_, err = j.Replay(ctx, "wf-1")
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
}
