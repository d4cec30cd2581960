package schema

import "time"

// EventType identifies a lifecycle event emitted during workflow execution.
type EventType string

// Workflow-level event types.
const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowAborted   EventType = "workflow_aborted"
)

// Action-level event types.
const (
	EventActionStarted   EventType = "action_started"
	EventActionCompleted EventType = "action_completed"
	EventActionFailed    EventType = "action_failed"
	EventActionSkipped   EventType = "action_skipped"
)

// IsWorkflowEvent reports whether t is a workflow-level event type.
func (t EventType) IsWorkflowEvent() bool {
	switch t {
	case EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowFailed,
		EventWorkflowPaused, EventWorkflowResumed, EventWorkflowAborted:
		return true
	}
	return false
}

// IsActionEvent reports whether t is an action-level event type.
func (t EventType) IsActionEvent() bool {
	switch t {
	case EventActionStarted, EventActionCompleted, EventActionFailed, EventActionSkipped:
		return true
	}
	return false
}

// EventRecord is the serializable form of a lifecycle event, suitable for
// external subscribers, logs, and the durable event journal.
type EventRecord struct {
	EventType  EventType      `json:"event_type"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}
