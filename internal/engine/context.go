package engine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flowstate/internal/vars"
	"github.com/rendis/flowstate/pkg/schema"
)

// ContextOptions configures an execution context at construction time.
type ContextOptions struct {
	// ID is the stable context identifier; generated when empty.
	ID string
	// InheritVariables chains a child's store to its parent's store.
	InheritVariables bool
	// TrackVariableHistory forwards variable changes into a bounded local history.
	TrackVariableHistory bool
	// TrackStateHistory forwards state transitions into a bounded local history.
	TrackStateHistory bool
	// VariableHistoryLimit caps the local variable history; 0 = unbounded.
	VariableHistoryLimit int
	// StateHistoryLimit caps both the FSM history and the local state history;
	// 0 = unbounded.
	StateHistoryLimit int
	// Logger receives listener failures and lifecycle diagnostics.
	Logger *slog.Logger
}

// DefaultContextOptions returns the options applied when callers pass none:
// variable inheritance on, history tracking on with a cap of 100 entries.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{
		InheritVariables:     true,
		TrackVariableHistory: true,
		TrackStateHistory:    true,
		VariableHistoryLimit: 100,
		StateHistoryLimit:    100,
	}
}

// ExecutionContext composes a variable store and a state machine and may own
// an ordered list of child contexts (for nested workflow scopes). The parent
// pointer is non-owning: disposal always goes through the owning parent.
type ExecutionContext struct {
	id    string
	vars  *vars.Store
	state *StateMachine
	opts  ContextOptions

	mu           sync.Mutex
	parent       *ExecutionContext
	children     []*ExecutionContext
	varHistory   []vars.Change
	stateHistory []schema.StateTransition
}

// NewContext creates a root execution context.
func NewContext(opts ContextOptions) *ExecutionContext {
	return newContext(nil, opts)
}

func newContext(parent *ExecutionContext, opts ContextOptions) *ExecutionContext {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var parentStore *vars.Store
	if parent != nil && opts.InheritVariables {
		parentStore = parent.vars
	}

	ec := &ExecutionContext{
		id:     opts.ID,
		vars:   vars.New(parentStore, opts.Logger),
		state:  NewStateMachine(opts.StateHistoryLimit, opts.Logger),
		opts:   opts,
		parent: parent,
	}

	if opts.TrackVariableHistory {
		ec.vars.Subscribe(ec.recordVariableChange)
	}
	if opts.TrackStateHistory {
		ec.state.Subscribe(ec.recordStateChange)
	}
	return ec
}

// ID returns the stable context identifier.
func (ec *ExecutionContext) ID() string { return ec.id }

// Variables returns the context's variable store.
func (ec *ExecutionContext) Variables() *vars.Store { return ec.vars }

// State returns the context's state machine.
func (ec *ExecutionContext) State() *StateMachine { return ec.state }

// Parent returns the parent context, or nil for a root or disposed context.
func (ec *ExecutionContext) Parent() *ExecutionContext {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.parent
}

// Children returns a copy of the ordered child list.
func (ec *ExecutionContext) Children() []*ExecutionContext {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]*ExecutionContext, len(ec.children))
	copy(out, ec.children)
	return out
}

// NewChild creates a child context owned by this one. With InheritVariables
// set the child's store chains to this context's store; otherwise the child
// starts with an empty, parentless store.
func (ec *ExecutionContext) NewChild(opts ContextOptions) *ExecutionContext {
	child := newContext(ec, opts)
	ec.mu.Lock()
	ec.children = append(ec.children, child)
	ec.mu.Unlock()
	return child
}

// Dispose detaches the context from its parent, clears its own variables,
// and recursively disposes all children. This is the only deletion path;
// contexts are never implicitly collected.
func (ec *ExecutionContext) Dispose() {
	ec.mu.Lock()
	parent := ec.parent
	ec.parent = nil
	children := ec.children
	ec.children = nil
	ec.mu.Unlock()

	if parent != nil {
		parent.removeChild(ec)
	}
	ec.vars.Clear()
	for _, child := range children {
		child.Dispose()
	}
}

func (ec *ExecutionContext) removeChild(child *ExecutionContext) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, c := range ec.children {
		if c == child {
			ec.children = append(ec.children[:i], ec.children[i+1:]...)
			return
		}
	}
}

func (ec *ExecutionContext) recordVariableChange(c vars.Change) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.varHistory = append(ec.varHistory, c)
	if limit := ec.opts.VariableHistoryLimit; limit > 0 && len(ec.varHistory) > limit {
		ec.varHistory = ec.varHistory[len(ec.varHistory)-limit:]
	}
}

func (ec *ExecutionContext) recordStateChange(tr schema.StateTransition) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.stateHistory = append(ec.stateHistory, tr)
	if limit := ec.opts.StateHistoryLimit; limit > 0 && len(ec.stateHistory) > limit {
		ec.stateHistory = ec.stateHistory[len(ec.stateHistory)-limit:]
	}
}

// VariableHistory returns a copy of the tracked variable changes, oldest first.
// Empty when tracking is disabled.
func (ec *ExecutionContext) VariableHistory() []vars.Change {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]vars.Change, len(ec.varHistory))
	copy(out, ec.varHistory)
	return out
}

// StateHistory returns a copy of the tracked state transitions, oldest first.
// Empty when tracking is disabled.
func (ec *ExecutionContext) StateHistory() []schema.StateTransition {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]schema.StateTransition, len(ec.stateHistory))
	copy(out, ec.stateHistory)
	return out
}

// Clone produces an independent context with a new identifier. State and
// variables are copied by value; with includeChildren the child subtree is
// cloned recursively.
func (ec *ExecutionContext) Clone(includeChildren bool) *ExecutionContext {
	opts := ec.opts
	opts.ID = uuid.NewString()

	clone := &ExecutionContext{
		id:    opts.ID,
		vars:  ec.vars.Clone(),
		state: ec.state.clone(),
		opts:  opts,
	}
	if opts.TrackVariableHistory {
		clone.vars.Subscribe(clone.recordVariableChange)
	}
	if opts.TrackStateHistory {
		clone.state.Subscribe(clone.recordStateChange)
	}

	if includeChildren {
		for _, child := range ec.Children() {
			cc := child.Clone(true)
			cc.mu.Lock()
			cc.parent = clone
			cc.mu.Unlock()
			clone.children = append(clone.children, cc)
		}
	}
	return clone
}

// Snapshot captures the context (and, when requested, its child subtree) as
// a serializable record.
func (ec *ExecutionContext) Snapshot(includeChildren bool) *schema.ContextSnapshot {
	snap := &schema.ContextSnapshot{
		ID:        ec.id,
		State:     ec.state.Snapshot(),
		Variables: ec.vars.Snapshot(),
	}
	if includeChildren {
		for _, child := range ec.Children() {
			snap.Children = append(snap.Children, child.Snapshot(true))
		}
	}
	return snap
}

// FromSnapshot reconstructs a context tree from a snapshot. The rebuilt root
// is never attached to any parent during construction; children are rebuilt
// recursively and linked as a second step, matching the serialized tree
// shape. Listeners are not restored.
func FromSnapshot(snap *schema.ContextSnapshot, opts ContextOptions) (*ExecutionContext, error) {
	return fromSnapshot(snap, opts, nil)
}

// fromSnapshot rebuilds one context. parentStore carries the variable chain
// for inherited children; tree links are still attached by the caller after
// construction.
func fromSnapshot(snap *schema.ContextSnapshot, opts ContextOptions, parentStore *vars.Store) (*ExecutionContext, error) {
	if snap == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidSnapshot, "context snapshot is nil")
	}
	if snap.ID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidSnapshot, "context snapshot has no id")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	state, err := RestoreStateMachine(snap.State, opts.StateHistoryLimit, opts.Logger)
	if err != nil {
		return nil, err
	}

	restoredOpts := opts
	restoredOpts.ID = snap.ID

	ec := &ExecutionContext{
		id:    snap.ID,
		vars:  vars.New(parentStore, opts.Logger),
		state: state,
		opts:  restoredOpts,
	}
	ec.vars.Restore(snap.Variables)

	if opts.TrackVariableHistory {
		ec.vars.Subscribe(ec.recordVariableChange)
	}
	if opts.TrackStateHistory {
		ec.state.Subscribe(ec.recordStateChange)
	}

	for _, childSnap := range snap.Children {
		var childStoreParent *vars.Store
		if opts.InheritVariables {
			childStoreParent = ec.vars
		}
		child, err := fromSnapshot(childSnap, opts, childStoreParent)
		if err != nil {
			return nil, err
		}
		// Attach after construction; never during it.
		child.mu.Lock()
		child.parent = ec
		child.mu.Unlock()
		ec.children = append(ec.children, child)
	}

	return ec, nil
}
