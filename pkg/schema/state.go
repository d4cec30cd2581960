package schema

// ExecutionState represents the lifecycle state of an execution context.
type ExecutionState string

const (
	StateCreated   ExecutionState = "created"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateAborted   ExecutionState = "aborted"
)

// Terminal reports whether the state has no outgoing transitions.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// Valid reports whether s is a known execution state.
func (s ExecutionState) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StatePaused, StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a workflow run in the engine registry.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// VariableScope determines variable visibility and shadowing precedence.
// Narrower scopes shadow broader ones: local > workflow > global > parent store.
type VariableScope string

const (
	ScopeGlobal   VariableScope = "global"
	ScopeWorkflow VariableScope = "workflow"
	ScopeLocal    VariableScope = "local"
)

// Valid reports whether s is a known variable scope.
func (s VariableScope) Valid() bool {
	return s == ScopeGlobal || s == ScopeWorkflow || s == ScopeLocal
}
