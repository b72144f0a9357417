package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxline/conductor/model"
)

// MemoryStore is an in-memory Store for tests and single-node
// development. It is never authoritative in production; any in-memory
// index is a rebuildable cache over a durable backend.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// Create persists a new workflow instance.
func (s *MemoryStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.InstanceID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.InstanceID),
		)
	}

	s.instances[inst.InstanceID] = cloneInstance(inst)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// Save persists an updated instance with a compare-and-swap on the
// expected version.
func (s *MemoryStore) Save(_ context.Context, inst model.WorkflowInstance, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.InstanceID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.InstanceID),
		)
	}

	if existing.Version != expectedVersion {
		return model.NewVersionConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, stored %d)",
				inst.InstanceID, expectedVersion, existing.Version),
		)
	}

	inst.Version = expectedVersion + 1
	s.instances[inst.InstanceID] = cloneInstance(inst)
	return nil
}

// List returns instance summaries matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InstanceSummary
	for _, inst := range s.instances {
		if filters.WorkflowID != "" && inst.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, model.InstanceSummary{
			InstanceID:   inst.InstanceID,
			WorkflowID:   inst.WorkflowID,
			CurrentState: inst.CurrentState,
			Status:       inst.Status,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.LastTransitionAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.InstanceSummary{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindExpired returns active instances past their expiration time.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.StatusActive {
			continue
		}
		if inst.ExpiresAt == nil || !inst.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})

	return result, nil
}

// Delete removes a workflow instance.
func (s *MemoryStore) Delete(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instanceID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	delete(s.instances, instanceID)
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies the instance so callers cannot alias stored maps
// or the history slice.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	out := inst
	if inst.ContextData != nil {
		out.ContextData = make(map[string]any, len(inst.ContextData))
		for k, v := range inst.ContextData {
			out.ContextData[k] = v
		}
	}
	if inst.HistoryLog != nil {
		out.HistoryLog = append([]model.HistoryEntry(nil), inst.HistoryLog...)
	}
	return out
}
