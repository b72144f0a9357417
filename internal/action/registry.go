// Package action runs named side effects attached to transitions.
// Pre-actions gate a transition; post-actions run after commit.
package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxline/conductor/model"
)

// Func is a single named action. It may mutate the instance's context
// data; the engine persists whatever state the actions leave behind.
type Func func(ctx context.Context, instance *model.WorkflowInstance) error

// Registry maps action names to functions. Transition definitions refer
// to actions by name only, so the set of known actions is fixed at
// startup and the registry stays read-mostly.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Func
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Func)}
}

// Register binds a name to an action function. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Run executes the named action against the instance. An unknown action
// name is an error: a transition referring to a missing action is a
// deployment mistake, not a no-op.
func (r *Registry) Run(ctx context.Context, actionName string, instance *model.WorkflowInstance) error {
	r.mu.RLock()
	fn, ok := r.actions[actionName]
	r.mu.RUnlock()

	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("action %q not registered", actionName))
	}
	if err := fn(ctx, instance); err != nil {
		return fmt.Errorf("action %q: %w", actionName, err)
	}
	return nil
}

// Names returns the registered action names. For diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}
