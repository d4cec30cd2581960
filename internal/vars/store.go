// Package vars implements the three-scope variable store used by execution
// contexts. Values are deep-copied on both read and write so callers can
// never alias stored state.
package vars

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"

	"github.com/rendis/flowstate/pkg/schema"
)

// nameRE is the allowed pattern for variable names.
var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Change describes one variable mutation delivered to listeners.
type Change struct {
	Name     string               `json:"name"`
	OldValue any                  `json:"old_value"`
	NewValue any                  `json:"new_value"`
	Scope    schema.VariableScope `json:"scope"`
}

// ChangeListener receives variable change notifications. Listeners are
// invoked synchronously; panics are recovered and logged, never propagated.
type ChangeListener func(Change)

// Store is a three-scope (global, workflow, local) name -> value mapping with
// optional parent-store inheritance. Unscoped reads resolve local -> workflow
// -> global -> parent (recursively). A store never mutates its parent; only
// its own scope maps.
type Store struct {
	mu        sync.RWMutex
	scopes    map[schema.VariableScope]map[string]any
	parent    *Store
	listeners []ChangeListener
	logger    *slog.Logger
}

// New creates an empty store. parent may be nil; when set, unscoped reads
// fall through to it after all own scopes miss.
func New(parent *Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		scopes: map[schema.VariableScope]map[string]any{
			schema.ScopeGlobal:   {},
			schema.ScopeWorkflow: {},
			schema.ScopeLocal:    {},
		},
		parent: parent,
		logger: logger,
	}
}

// resolutionOrder is the shadowing order for unscoped reads.
var resolutionOrder = []schema.VariableScope{schema.ScopeLocal, schema.ScopeWorkflow, schema.ScopeGlobal}

// Get returns the value of name using scope resolution
// (local > workflow > global > parent chain).
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	for _, scope := range resolutionOrder {
		if v, ok := s.scopes[scope][name]; ok {
			s.mu.RUnlock()
			return copyValue(v), true
		}
	}
	parent := s.parent
	s.mu.RUnlock()

	if parent != nil {
		return parent.Get(name)
	}
	return nil, false
}

// GetDefault returns the resolved value of name, or def when absent.
// Missing keys are never an error.
func (s *Store) GetDefault(name string, def any) any {
	if v, ok := s.Get(name); ok {
		return v
	}
	return def
}

// GetIn returns the value of name in exactly the given scope of this store.
func (s *Store) GetIn(name string, scope schema.VariableScope) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.scopes[scope][name]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// Set writes name in the default (workflow) scope.
func (s *Store) Set(name string, value any) error {
	return s.SetIn(name, value, schema.ScopeWorkflow)
}

// SetIn validates the name, captures the previous value, writes a deep copy
// into the given scope, and synchronously notifies all listeners.
func (s *Store) SetIn(name string, value any, scope schema.VariableScope) error {
	if !nameRE.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeInvalidName, "invalid variable name %q", name)
	}
	if !scope.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid variable scope %q", scope)
	}

	s.mu.Lock()
	old, hadOld := s.scopes[scope][name]
	s.scopes[scope][name] = copyValue(value)
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	change := Change{Name: name, NewValue: copyValue(value), Scope: scope}
	if hadOld {
		change.OldValue = copyValue(old)
	}
	for _, fn := range listeners {
		s.notify(fn, change)
	}
	return nil
}

// notify invokes one listener, isolating panics.
func (s *Store) notify(fn ChangeListener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("variable listener panicked",
				slog.String("name", change.Name),
				slog.Any("panic", r))
		}
	}()
	fn(change)
}

// Delete removes name. Without a scope argument it removes the name from all
// of this store's own scopes; with one, from that scope only. Missing keys
// are a no-op.
func (s *Store) Delete(name string, scope ...schema.VariableScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(scope) > 0 {
		delete(s.scopes[scope[0]], name)
		return
	}
	for _, sc := range resolutionOrder {
		delete(s.scopes[sc], name)
	}
}

// Clear removes all variables from the given scope, or from every own scope
// when no scope is supplied. The parent store is never touched.
func (s *Store) Clear(scope ...schema.VariableScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(scope) > 0 {
		s.scopes[scope[0]] = map[string]any{}
		return
	}
	for _, sc := range resolutionOrder {
		s.scopes[sc] = map[string]any{}
	}
}

// All returns a copy of the variables in the given scope, or, without a
// scope, the merged view where nearer scopes win on key collision:
// parent first, then global, workflow, local.
func (s *Store) All(scope ...schema.VariableScope) map[string]any {
	if len(scope) > 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make(map[string]any, len(s.scopes[scope[0]]))
		for k, v := range s.scopes[scope[0]] {
			out[k] = copyValue(v)
		}
		return out
	}

	out := map[string]any{}
	s.mu.RLock()
	parent := s.parent
	s.mu.RUnlock()
	if parent != nil {
		out = parent.All()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(resolutionOrder) - 1; i >= 0; i-- {
		for k, v := range s.scopes[resolutionOrder[i]] {
			out[k] = copyValue(v)
		}
	}
	return out
}

// Has reports whether name exists, either in a specific scope of this store
// or, without a scope, anywhere along the resolution chain.
func (s *Store) Has(name string, scope ...schema.VariableScope) bool {
	if len(scope) > 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.scopes[scope[0]][name]
		return ok
	}
	_, ok := s.Get(name)
	return ok
}

// ScopeOf returns the narrowest own scope holding name. It does not consult
// the parent chain.
func (s *Store) ScopeOf(name string) (schema.VariableScope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, scope := range resolutionOrder {
		if _, ok := s.scopes[scope][name]; ok {
			return scope, true
		}
	}
	return "", false
}

// Subscribe registers a change listener.
func (s *Store) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Parent returns the parent store, or nil.
func (s *Store) Parent() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parent
}

// Clone produces an independent store with deep-copied scope maps. The clone
// shares the parent pointer but no listeners.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := New(s.parent, s.logger)
	for scope, m := range s.scopes {
		cm := make(map[string]any, len(m))
		for k, v := range m {
			cm[k] = copyValue(v)
		}
		clone.scopes[scope] = cm
	}
	return clone
}

// Snapshot returns the store's own scopes as a serializable record.
func (s *Store) Snapshot() schema.VariablesSnapshot {
	return schema.VariablesSnapshot{
		Global:   s.All(schema.ScopeGlobal),
		Workflow: s.All(schema.ScopeWorkflow),
		Local:    s.All(schema.ScopeLocal),
	}
}

// Restore replaces the store's own scopes with the snapshot contents.
// Listeners are not notified; restore is a bulk load, not a mutation stream.
func (s *Store) Restore(snap schema.VariablesSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[schema.ScopeGlobal] = copyMap(snap.Global)
	s.scopes[schema.ScopeWorkflow] = copyMap(snap.Workflow)
	s.scopes[schema.ScopeLocal] = copyMap(snap.Local)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies a variable value. Scalars are returned as-is;
// composite values are round-tripped through JSON. Values that cannot be
// marshaled are returned unchanged (callers storing non-JSONable values
// opt out of aliasing protection).
func copyValue(v any) any {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	}

	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
