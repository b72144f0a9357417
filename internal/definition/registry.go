package definition

import (
	"sync/atomic"

	"github.com/fluxline/conductor/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	patterns  map[string]model.CoordinationPattern
	routing   model.RoutingTable
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from a loaded bundle.
func NewRegistry(bundle Bundle) *Registry {
	r := &Registry{}
	r.Replace(bundle)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot
// built from the given bundle.
func (r *Registry) Replace(bundle Bundle) {
	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition, len(bundle.Workflows)),
		patterns:  make(map[string]model.CoordinationPattern, len(bundle.Patterns)),
		routing:   bundle.Routing,
		checksum:  bundle.Checksum,
	}
	for _, wf := range bundle.Workflows {
		s.workflows[wf.ID] = wf
	}
	for _, p := range bundle.Patterns {
		s.patterns[p.Name] = p
	}
	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWorkflow returns the workflow definition with the given ID.
func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// GetPattern returns the coordination pattern with the given name.
func (r *Registry) GetPattern(name string) (model.CoordinationPattern, bool) {
	p, ok := r.current().patterns[name]
	return p, ok
}

// Routing returns the static routing table.
func (r *Registry) Routing() model.RoutingTable {
	return r.current().routing
}

// AllWorkflows returns all workflow definitions.
func (r *Registry) AllWorkflows() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		defs = append(defs, w)
	}
	return defs
}

// AllPatterns returns all coordination patterns.
func (r *Registry) AllPatterns() []model.CoordinationPattern {
	s := r.current()
	defs := make([]model.CoordinationPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		defs = append(defs, p)
	}
	return defs
}

// Len returns the number of loaded workflow definitions.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
