package model

import "time"

// Workflow instance status constants.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusOnHold    = "on_hold"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// WorkflowInstance is one running execution of a WorkflowDefinition.
// CurrentState is always a key of the definition's state map; HistoryLog
// only grows; Version increments exactly once per successful save and a
// stale-version write is rejected by the store.
type WorkflowInstance struct {
	InstanceID       string         `json:"instance_id"`
	WorkflowID       string         `json:"workflow_id"`
	CurrentState     string         `json:"current_state"`
	Status           string         `json:"status"`
	ContextData      map[string]any `json:"context_data,omitempty"`
	HistoryLog       []HistoryEntry `json:"history_log,omitempty"`
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	LastTransitionAt time.Time      `json:"last_transition_at"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
}

// AppendHistory adds an entry to the instance's append-only history log.
func (w *WorkflowInstance) AppendHistory(entry HistoryEntry) {
	w.HistoryLog = append(w.HistoryLog, entry)
}

// HistoryEntry records one applied transition or lifecycle event.
type HistoryEntry struct {
	ID          string         `json:"id"`
	Actor       string         `json:"actor"`
	Description string         `json:"description"`
	FromState   string         `json:"from_state,omitempty"`
	ToState     string         `json:"to_state,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TransitionResult reports the outcome of one transition attempt. The
// engine never self-loops on retryable failures; RetryRecommended and
// RetryAfter tell the caller whether and when to schedule the next attempt.
type TransitionResult struct {
	Success          bool          `json:"success"`
	FromState        string        `json:"from_state"`
	ToState          string        `json:"to_state,omitempty"`
	Err              error         `json:"-"`
	RetryRecommended bool          `json:"retry_recommended,omitempty"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
	Attempt          int           `json:"attempt"`
}

// InstanceSummary is a lightweight representation of a workflow instance
// used in list views.
type InstanceSummary struct {
	InstanceID   string    `json:"instance_id"`
	WorkflowID   string    `json:"workflow_id"`
	CurrentState string    `json:"current_state"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	WorkflowID string
	Status     string
	Limit      int
	Offset     int
}
