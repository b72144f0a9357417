// Package model defines the shared data types of the orchestration core:
// workflow graphs, instances, coordination patterns, worker contracts, and
// the error envelope. Everything in this package is pure data.
package model

// Condition operators.
const (
	OpEquals      = "EQUALS"
	OpNotEquals   = "NOT_EQUALS"
	OpGT          = "GT"
	OpLT          = "LT"
	OpContains    = "CONTAINS"
	OpNotContains = "NOT_CONTAINS"
	OpExists      = "EXISTS"
	OpNotExists   = "NOT_EXISTS"
	OpRegex       = "REGEX"
)

// Condition group operators.
const (
	GroupAND = "AND"
	GroupOR  = "OR"
)

// WorkflowDefinition is an immutable description of a workflow graph:
// named states connected by named transitions. Definitions are validated
// once at construction and are safe for concurrent reads afterwards.
// Cycles between states are legal; only dangling references are rejected.
type WorkflowDefinition struct {
	ID           string               `yaml:"id" json:"id"`
	Name         string               `yaml:"name" json:"name"`
	States       map[string]State     `yaml:"states" json:"states"`
	Transitions  []Transition         `yaml:"transitions" json:"transitions"`
	InitialState string               `yaml:"initial_state" json:"initial_state"`
	Timeout      Duration             `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OnTimeout    string               `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
}

// State is a named node in the workflow graph.
type State struct {
	Name                 string           `yaml:"name" json:"name"`
	IsTerminal           bool             `yaml:"is_terminal,omitempty" json:"is_terminal,omitempty"`
	AvailableTransitions []string         `yaml:"available_transitions,omitempty" json:"available_transitions,omitempty"`
	AgentAssignments     []AssignmentRule `yaml:"agent_assignments,omitempty" json:"agent_assignments,omitempty"`
	RequiredDataPoints   []string         `yaml:"required_data_points,omitempty" json:"required_data_points,omitempty"`
}

// AssignmentRule associates a state with a worker, either by name or by a
// declared capability tag.
type AssignmentRule struct {
	Worker     string `yaml:"worker,omitempty" json:"worker,omitempty"`
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// Transition is a named, guarded edge between two states.
//
// ConditionGroups are OR'd together: the transition is satisfied when any
// single group's conditions all hold. An empty group list means the
// transition is unconditional. ConditionalRouting maps a predicate key in
// the instance context to an override target state, taking precedence over
// To when the key matches.
type Transition struct {
	Name               string            `yaml:"name" json:"name"`
	From               string            `yaml:"from" json:"from"`
	To                 string            `yaml:"to" json:"to"`
	ConditionGroups    []ConditionGroup  `yaml:"condition_groups,omitempty" json:"condition_groups,omitempty"`
	ConditionalRouting map[string]string `yaml:"conditional_routing,omitempty" json:"conditional_routing,omitempty"`
	RetryCount         int               `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	RetryDelay         Duration          `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	ExponentialBackoff bool              `yaml:"exponential_backoff,omitempty" json:"exponential_backoff,omitempty"`
	Timeout            Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PreActions         []string          `yaml:"pre_actions,omitempty" json:"pre_actions,omitempty"`
	PostActions        []string          `yaml:"post_actions,omitempty" json:"post_actions,omitempty"`
	// Priority breaks ties when multiple transitions share a name from the
	// same state; the lowest number wins.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// ConditionGroup is a set of conditions combined with a single operator.
// An empty AND group evaluates to true; an empty OR group evaluates to false.
type ConditionGroup struct {
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Operator   string      `yaml:"operator,omitempty" json:"operator,omitempty"`
}

// Condition is a single predicate over the instance context.
type Condition struct {
	FieldPath     string `yaml:"field_path" json:"field_path"`
	Operator      string `yaml:"operator" json:"operator"`
	Expected      any    `yaml:"expected,omitempty" json:"expected,omitempty"`
	CaseSensitive bool   `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

// CoordinationPattern is a predefined multi-step sequence spanning workers.
type CoordinationPattern struct {
	Name             string        `yaml:"name" json:"name"`
	Steps            []PatternStep `yaml:"steps" json:"steps"`
	ExpectedDuration Duration      `yaml:"expected_duration,omitempty" json:"expected_duration,omitempty"`
	SuccessCriteria  []string      `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	FallbackActions  []string      `yaml:"fallback_actions,omitempty" json:"fallback_actions,omitempty"`
}

// PatternStep is one worker invocation in a coordination pattern.
// NextOnSuccess names the step (by index reference within Steps) that is
// scheduled after this one succeeds; nil ends the pattern.
type PatternStep struct {
	Worker        string  `yaml:"worker" json:"worker"`
	EventType     string  `yaml:"event_type" json:"event_type"`
	NextOnSuccess *string `yaml:"next_on_success,omitempty" json:"next_on_success,omitempty"`
}

// RoutingTable is the static routing configuration consumed by the event
// router. The explicit map is also the memoization target for the
// pattern-prefix and dynamic-probe stages.
type RoutingTable struct {
	Explicit       map[string]string   `yaml:"explicit,omitempty" json:"explicit,omitempty"`
	PrefixTable    map[string]string   `yaml:"prefix_table,omitempty" json:"prefix_table,omitempty"`
	FallbackChains map[string][]string `yaml:"fallback_chains,omitempty" json:"fallback_chains,omitempty"`
}
