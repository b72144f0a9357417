// Package definition loads, validates, and indexes workflow definitions
// and coordination patterns. Validation is exhaustive and fails fast at
// startup; runtime code only ever sees well-formed graphs.
package definition

import (
	"fmt"

	"github.com/fluxline/conductor/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates workflow definitions and coordination patterns
// structurally and referentially. Cycles in the workflow graph are legal
// and never reported; only dangling references are.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and patterns, returning every error
// found rather than stopping at the first.
func (v *Validator) Validate(workflows []model.WorkflowDefinition, patterns []model.CoordinationPattern) []VError {
	var errs []VError
	for i, wf := range workflows {
		prefix := fmt.Sprintf("workflows[%d]", i)
		errs = append(errs, v.ValidateWorkflow(prefix, wf)...)
	}
	for i, p := range patterns {
		prefix := fmt.Sprintf("patterns[%d]", i)
		errs = append(errs, v.ValidatePattern(prefix, p)...)
	}
	return errs
}

// ValidateWorkflow checks one workflow graph.
func (v *Validator) ValidateWorkflow(prefix string, wf model.WorkflowDefinition) []VError {
	var errs []VError

	if wf.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if len(wf.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
	}
	if wf.InitialState == "" {
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "REQUIRED", Message: "initial_state is required"})
	}

	// Index transitions by name for state-side reference checks.
	transitionsByName := make(map[string][]model.Transition, len(wf.Transitions))
	for _, t := range wf.Transitions {
		transitionsByName[t.Name] = append(transitionsByName[t.Name], t)
	}

	// Initial state must exist.
	if wf.InitialState != "" {
		if _, ok := wf.States[wf.InitialState]; !ok {
			errs = append(errs, VError{
				Path:    prefix + ".initial_state",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("initial state %q not found in states", wf.InitialState),
			})
		}
	}

	// Timeout target, when declared, must exist.
	if wf.OnTimeout != "" {
		if _, ok := wf.States[wf.OnTimeout]; !ok {
			errs = append(errs, VError{
				Path:    prefix + ".on_timeout",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("on_timeout state %q not found in states", wf.OnTimeout),
			})
		}
	}

	// Every transition endpoint must name an existing state.
	for i, t := range wf.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if t.Name == "" {
			errs = append(errs, VError{Path: tp + ".name", Code: "REQUIRED", Message: "transition name is required"})
		}
		if _, ok := wf.States[t.From]; !ok {
			errs = append(errs, VError{
				Path:    tp + ".from",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("state %q not found", t.From),
			})
		}
		if _, ok := wf.States[t.To]; !ok {
			errs = append(errs, VError{
				Path:    tp + ".to",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("state %q not found", t.To),
			})
		}
		for key, target := range t.ConditionalRouting {
			if _, ok := wf.States[target]; !ok {
				errs = append(errs, VError{
					Path:    tp + ".conditional_routing",
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("routing key %q targets unknown state %q", key, target),
				})
			}
		}
		for gi, g := range t.ConditionGroups {
			if g.Operator != "" && g.Operator != model.GroupAND && g.Operator != model.GroupOR {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.condition_groups[%d].operator", tp, gi),
					Code:    "INVALID_ENUM",
					Message: fmt.Sprintf("invalid group operator %q", g.Operator),
				})
			}
			for ci, c := range g.Conditions {
				if !validOperators[c.Operator] {
					errs = append(errs, VError{
						Path:    fmt.Sprintf("%s.condition_groups[%d].conditions[%d].operator", tp, gi, ci),
						Code:    "INVALID_ENUM",
						Message: fmt.Sprintf("invalid condition operator %q", c.Operator),
					})
				}
			}
		}
		if t.RetryCount < 0 {
			errs = append(errs, VError{Path: tp + ".retry_count", Code: "RANGE", Message: "retry_count must be >= 0"})
		}
	}

	// Every state-side transition reference must exist and depart from
	// that state.
	for name, st := range wf.States {
		sp := fmt.Sprintf("%s.states[%s]", prefix, name)
		if st.Name != "" && st.Name != name {
			errs = append(errs, VError{
				Path:    sp + ".name",
				Code:    "MISMATCH",
				Message: fmt.Sprintf("state name %q does not match map key %q", st.Name, name),
			})
		}
		for _, tn := range st.AvailableTransitions {
			candidates, ok := transitionsByName[tn]
			if !ok {
				errs = append(errs, VError{
					Path:    sp + ".available_transitions",
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("transition %q not found", tn),
				})
				continue
			}
			departs := false
			for _, c := range candidates {
				if c.From == name {
					departs = true
					break
				}
			}
			if !departs {
				errs = append(errs, VError{
					Path:    sp + ".available_transitions",
					Code:    "WRONG_ORIGIN",
					Message: fmt.Sprintf("transition %q does not depart from state %q", tn, name),
				})
			}
		}
	}

	return errs
}

// ValidatePattern checks one coordination pattern.
func (v *Validator) ValidatePattern(prefix string, p model.CoordinationPattern) []VError {
	var errs []VError

	if p.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(p.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	for i, s := range p.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.Worker == "" {
			errs = append(errs, VError{Path: sp + ".worker", Code: "REQUIRED", Message: "worker is required"})
		}
		if s.EventType == "" {
			errs = append(errs, VError{Path: sp + ".event_type", Code: "REQUIRED", Message: "event_type is required"})
		}
	}

	// next_on_success must name the worker of a later step; self or
	// backward references would loop the pattern.
	for i, s := range p.Steps {
		if s.NextOnSuccess == nil {
			continue
		}
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		found := false
		for j := i + 1; j < len(p.Steps); j++ {
			if p.Steps[j].Worker == *s.NextOnSuccess {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, VError{
				Path:    sp + ".next_on_success",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("no step after %d is handled by worker %q", i, *s.NextOnSuccess),
			})
		}
	}

	return errs
}

var validOperators = map[string]bool{
	model.OpEquals: true, model.OpNotEquals: true,
	model.OpGT: true, model.OpLT: true,
	model.OpContains: true, model.OpNotContains: true,
	model.OpExists: true, model.OpNotExists: true,
	model.OpRegex: true,
}
