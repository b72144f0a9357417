// Package store persists workflow instances. The store is the single
// mutation point of the orchestration core: all writes go through a
// compare-and-swap keyed by (instanceID, expectedVersion), so a racing
// writer loses with a VERSION_CONFLICT and retries instead of silently
// clobbering.
package store

import (
	"context"
	"time"

	"github.com/fluxline/conductor/model"
)

// Store persists workflow instances with optimistic-concurrency
// versioning. Implementations must provide atomic compare-and-swap
// semantics for Save.
type Store interface {
	// Create persists a new workflow instance. Fails with CONFLICT if the
	// instance ID already exists.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Fails with NOT_FOUND if
	// the instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Save persists an updated instance if and only if the stored version
	// equals expectedVersion; the committed instance carries
	// expectedVersion+1. Fails with VERSION_CONFLICT on a stale version
	// and NOT_FOUND if the instance vanished.
	Save(ctx context.Context, instance model.WorkflowInstance, expectedVersion int) error

	// List returns instance summaries matching the filters, newest first.
	List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, error)

	// FindExpired returns active instances whose expires_at is before the
	// given cutoff time.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)

	// Delete removes a workflow instance. Retention is an external
	// policy; the orchestration core itself never calls this.
	Delete(ctx context.Context, instanceID string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
