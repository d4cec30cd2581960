package schema

import "time"

// StateTransition is one timestamped entry in a state machine's history.
type StateTransition struct {
	OldState  ExecutionState `json:"old_state"`
	NewState  ExecutionState `json:"new_state"`
	Timestamp time.Time      `json:"timestamp"`
}

// StateSnapshot is the serializable form of an execution state machine.
// Listeners are runtime-only and never persisted.
type StateSnapshot struct {
	CurrentState ExecutionState    `json:"current_state"`
	StateHistory []StateTransition `json:"state_history"`
}

// VariablesSnapshot holds a context's variables split by scope.
type VariablesSnapshot struct {
	Global   map[string]any `json:"global"`
	Workflow map[string]any `json:"workflow"`
	Local    map[string]any `json:"local"`
}

// ContextSnapshot is the serializable form of an execution context, including
// its child subtree when captured with children.
type ContextSnapshot struct {
	ID        string             `json:"id"`
	State     StateSnapshot      `json:"state"`
	Variables VariablesSnapshot  `json:"variables"`
	Children  []*ContextSnapshot `json:"children,omitempty"`
}

// CheckpointRecord is the durable, named, metadata-bearing snapshot of a run.
type CheckpointRecord struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Name       *string         `json:"name"`
	Data       map[string]any  `json:"data"`
	Context    ContextSnapshot `json:"context"`
}

// StateFileRecord is the unnamed, append-only snapshot variant used for
// crash recovery rather than semantic bookmarking.
type StateFileRecord struct {
	WorkflowID string          `json:"workflow_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Context    ContextSnapshot `json:"context"`
}
