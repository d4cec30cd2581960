package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowstate/pkg/schema"
)

// ValidTransitions defines the allowed state transitions for an execution
// context. Terminal states (completed, failed, aborted) have no exits.
var ValidTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.StateCreated:   {schema.StateRunning},
	schema.StateRunning:   {schema.StatePaused, schema.StateCompleted, schema.StateFailed, schema.StateAborted},
	schema.StatePaused:    {schema.StateRunning, schema.StateAborted},
	schema.StateCompleted: {},
	schema.StateFailed:    {},
	schema.StateAborted:   {},
}

// TransitionListener receives state change notifications. Listeners are
// invoked synchronously under no lock; panics are recovered and logged.
type TransitionListener func(schema.StateTransition)

// StateMachine tracks one execution context's lifecycle state with a
// bounded, timestamped transition history.
type StateMachine struct {
	mu           sync.Mutex
	current      schema.ExecutionState
	history      []schema.StateTransition
	historyLimit int
	listeners    []TransitionListener
	logger       *slog.Logger
}

// NewStateMachine creates a machine in the created state. historyLimit caps
// the transition history; 0 means unbounded.
func NewStateMachine(historyLimit int, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		current:      schema.StateCreated,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Current returns the current state.
func (m *StateMachine) Current() schema.ExecutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether a transition to the given state is allowed
// from the current state.
func (m *StateMachine) CanTransition(to schema.ExecutionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return transitionAllowed(m.current, to)
}

// Transition moves the machine to the given state. It fails with
// INVALID_TRANSITION when the move is not in the transition table, leaving
// the current state unchanged. On success it appends a timestamped entry to
// the history (trimming the oldest past the cap) and notifies listeners.
func (m *StateMachine) Transition(to schema.ExecutionState) error {
	m.mu.Lock()
	if !transitionAllowed(m.current, to) {
		from := m.current
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	tr := schema.StateTransition{
		OldState:  m.current,
		NewState:  to,
		Timestamp: time.Now().UTC(),
	}
	m.current = to
	m.history = append(m.history, tr)
	if m.historyLimit > 0 && len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		m.notify(fn, tr)
	}
	return nil
}

func (m *StateMachine) notify(fn TransitionListener, tr schema.StateTransition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state listener panicked",
				slog.String("to", string(tr.NewState)),
				slog.Any("panic", r))
		}
	}()
	fn(tr)
}

// History returns a copy of the transition history, oldest first.
func (m *StateMachine) History() []schema.StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.StateTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe registers a transition listener.
func (m *StateMachine) Subscribe(fn TransitionListener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot returns the serializable form of the machine. Listeners are
// runtime-only and not included.
func (m *StateMachine) Snapshot() schema.StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]schema.StateTransition, len(m.history))
	copy(history, m.history)
	return schema.StateSnapshot{CurrentState: m.current, StateHistory: history}
}

// RestoreStateMachine reconstructs a machine from a snapshot with an empty
// listener set. The snapshot's state values are validated; unknown states
// fail with INVALID_SNAPSHOT.
func RestoreStateMachine(snap schema.StateSnapshot, historyLimit int, logger *slog.Logger) (*StateMachine, error) {
	if !snap.CurrentState.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidSnapshot,
			"unknown execution state %q", snap.CurrentState)
	}
	for _, tr := range snap.StateHistory {
		if !tr.OldState.Valid() || !tr.NewState.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidSnapshot,
				"unknown state in history entry %s -> %s", tr.OldState, tr.NewState)
		}
	}

	m := NewStateMachine(historyLimit, logger)
	m.current = snap.CurrentState
	m.history = make([]schema.StateTransition, len(snap.StateHistory))
	copy(m.history, snap.StateHistory)
	if historyLimit > 0 && len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return m, nil
}

func transitionAllowed(from, to schema.ExecutionState) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// clone returns an independent copy of the machine without listeners.
func (m *StateMachine) clone() *StateMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := NewStateMachine(m.historyLimit, m.logger)
	c.current = m.current
	c.history = make([]schema.StateTransition, len(m.history))
	copy(c.history, m.history)
	return c
}
