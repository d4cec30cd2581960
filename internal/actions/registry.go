package actions

import (
	"sort"
	"sync"

	"github.com/rendis/flowstate/pkg/schema"
)

// Info is a summary of a registered action for listing.
type Info struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe action lookup table keyed by action ID.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action to the registry. Returns an error on duplicate ID.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	id := action.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "action id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", id)
	}
	r.actions[id] = action
	return nil
}

// Get retrieves an action by ID.
func (r *Registry) Get(id string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", id)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, Info{ID: a.ID(), Type: a.Type(), Description: a.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}
