// Package worker manages the agent workers events are routed to: the
// registry of live workers, per-worker circuit breakers, and an
// HTTP-backed worker for out-of-process agents.
package worker

import (
	"fmt"
	"sync"

	"github.com/fluxline/conductor/model"
)

// Registry holds registered workers with secondary indexes by
// capability and by business entity. Registration order is preserved:
// the router's dynamic probe walks workers in the order they were
// registered, which keeps routing deterministic.
type Registry struct {
	mu           sync.RWMutex
	workers      map[string]model.Worker
	order        []string
	capabilities map[string][]string
	entities     map[string]string
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:      make(map[string]model.Worker),
		capabilities: make(map[string][]string),
		entities:     make(map[string]string),
	}
}

// Register adds a worker with its declared capabilities. Fails with
// CONFLICT if a worker with the same name is already registered.
func (r *Registry) Register(w model.Worker, capabilities ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := w.Name()
	if _, exists := r.workers[name]; exists {
		return model.NewConflictError(fmt.Sprintf("worker %q already registered", name))
	}

	r.workers[name] = w
	r.order = append(r.order, name)
	for _, cap := range capabilities {
		r.capabilities[cap] = append(r.capabilities[cap], name)
	}
	return nil
}

// AssociateEntity binds a business entity ID to a worker name, so
// events scoped to that entity route to its dedicated worker.
func (r *Registry) AssociateEntity(entityID, workerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[workerName]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("worker %q not registered", workerName))
	}
	r.entities[entityID] = workerName
	return nil
}

// Get returns the worker with the given name.
func (r *Registry) Get(name string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// ByEntity returns the worker associated with a business entity ID.
func (r *Registry) ByEntity(entityID string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.entities[entityID]
	if !ok {
		return nil, false
	}
	w, ok := r.workers[name]
	return w, ok
}

// ByCapability returns the first registered worker declaring the given
// capability. First registration wins, matching probe order.
func (r *Registry) ByCapability(capability string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.capabilities[capability]
	if len(names) == 0 {
		return nil, false
	}
	w, ok := r.workers[names[0]]
	return w, ok
}

// All returns workers in registration order.
func (r *Registry) All() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Worker, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.workers[name])
	}
	return out
}

// Names returns worker names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
