package definition

import (
	"github.com/fluxline/conductor/model"
)

// NewWorkflowDefinition constructs and validates a workflow graph from
// code-built parts. It fails with a VALIDATION_ERROR listing every
// dangling reference: an unknown initial state, a transition naming a
// non-existent state, or a state naming a non-existent transition.
// Validation runs once; the returned value is read-only and safe for
// concurrent reads from many goroutines.
func NewWorkflowDefinition(id string, states map[string]model.State, transitions []model.Transition, initial string) (*model.WorkflowDefinition, error) {
	wf := model.WorkflowDefinition{
		ID:           id,
		States:       states,
		Transitions:  transitions,
		InitialState: initial,
	}

	v := NewValidator()
	if errs := v.ValidateWorkflow("workflow", wf); len(errs) > 0 {
		return nil, AsValidationError(errs)
	}
	return &wf, nil
}

// NewCoordinationPattern constructs and validates a coordination pattern.
func NewCoordinationPattern(name string, steps []model.PatternStep) (*model.CoordinationPattern, error) {
	p := model.CoordinationPattern{
		Name:  name,
		Steps: steps,
	}

	v := NewValidator()
	if errs := v.ValidatePattern("pattern", p); len(errs) > 0 {
		return nil, AsValidationError(errs)
	}
	return &p, nil
}

// AsValidationError folds a VError list into a single error envelope with
// field-level details.
func AsValidationError(errs []VError) error {
	details := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		details = append(details, model.FieldError{
			Field:   e.Path,
			Code:    e.Code,
			Message: e.Message,
		})
	}
	return model.NewValidationError("definition validation failed", details)
}
