package model

import (
	"context"
	"time"
)

// Worker health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Worker is an external unit of business logic invoked by event type.
//
// ProcessEvent may be slow or hang; callers always bound it with a timeout
// and treat an expired deadline as a failure. There is no mid-flight
// cancellation beyond the context: a worker that keeps running after its
// caller stopped waiting must be idempotent for safety. Implementations
// document their idempotency guarantees.
type Worker interface {
	// Name returns the registered worker name.
	Name() string

	// ProcessEvent handles one event and returns its result payload.
	ProcessEvent(ctx context.Context, eventType string, payload map[string]any) (map[string]any, error)

	// CanHandle reports whether the worker accepts the event type. It must
	// be cheap: the router calls it during the dynamic-probe stage.
	CanHandle(eventType string) bool

	// CheckHealth probes the worker's health within the context deadline.
	CheckHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus is a worker's self-reported health.
type HealthStatus struct {
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthReport aggregates per-worker health into an overall status:
// unhealthy if any worker is unhealthy, degraded if any is degraded,
// healthy otherwise.
type HealthReport struct {
	Status  string                  `json:"status"`
	Workers map[string]HealthStatus `json:"workers"`
}

// RoutingDecision names the worker selected for an event and the
// resolution stage that produced the match.
type RoutingDecision struct {
	EventType string `json:"event_type"`
	Worker    string `json:"worker"`
	Stage     string `json:"stage"`
	Memoized  bool   `json:"memoized,omitempty"`
}

// RoutingEvent is published to the injected message bus for every routed
// call and every committed transition, success or failure.
type RoutingEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	InstanceID string         `json:"instance_id,omitempty"`
	WorkerName string         `json:"worker_name,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher delivers routing events to the external message bus. Publish
// failures are observability losses, not routing failures; callers log
// them and continue.
type Publisher interface {
	Publish(ctx context.Context, event RoutingEvent) error
}

// ActionRegistry resolves named pre/post transition hooks. The meaning of
// an action name is entirely external to the orchestration core.
type ActionRegistry interface {
	Run(ctx context.Context, actionName string, instance *WorkflowInstance) error
}
