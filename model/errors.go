package model

import (
	"errors"
	"fmt"
	"time"
)

// Standard error codes.
const (
	ErrValidation        = "VALIDATION_ERROR"
	ErrNotFound          = "NOT_FOUND"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrConditionNotMet   = "CONDITION_NOT_MET"
	ErrUnroutableEvent   = "UNROUTABLE_EVENT"
	ErrTimeout           = "TIMEOUT"
	ErrVersionConflict   = "VERSION_CONFLICT"
	ErrRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrWorkflowNotActive = "WORKFLOW_NOT_ACTIVE"
	ErrConflict          = "CONFLICT"
	ErrInternal          = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error value returned by the orchestration
// core. It implements the error interface and carries a stable code the
// caller can branch on.
type ErrorEnvelope struct {
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Details  []FieldError    `json:"details,omitempty"`
	Attempts []AttemptRecord `json:"attempts,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttemptRecord describes one failed attempt in a retry chain.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(msg string, details []FieldError) *ErrorEnvelope {
	if msg == "" {
		msg = "one or more fields are invalid"
	}
	return &ErrorEnvelope{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewConditionNotMetError returns a CONDITION_NOT_MET error.
func NewConditionNotMetError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConditionNotMet, Message: msg}
}

// NewUnroutableEventError returns an UNROUTABLE_EVENT error.
func NewUnroutableEventError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnroutableEvent, Message: msg}
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeout, Message: msg}
}

// NewVersionConflictError returns a VERSION_CONFLICT error.
func NewVersionConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrVersionConflict, Message: msg}
}

// NewRetriesExhaustedError returns a RETRIES_EXHAUSTED error with the
// chain of attempts attached.
func NewRetriesExhaustedError(msg string, attempts []AttemptRecord) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRetriesExhausted, Message: msg, Attempts: attempts}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotActive, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError(msg string) *ErrorEnvelope {
	if msg == "" {
		msg = "an unexpected error occurred"
	}
	return &ErrorEnvelope{Code: ErrInternal, Message: msg}
}

// CodeOf returns the envelope code of err, or ErrInternal when err is not
// an envelope.
func CodeOf(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternal
}

// HasCode reports whether err is an envelope with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND envelope.
func IsNotFound(err error) bool { return HasCode(err, ErrNotFound) }

// IsVersionConflict reports whether err is a VERSION_CONFLICT envelope.
func IsVersionConflict(err error) bool { return HasCode(err, ErrVersionConflict) }

// IsTimeout reports whether err is a TIMEOUT envelope.
func IsTimeout(err error) bool { return HasCode(err, ErrTimeout) }

// IsRetryable reports whether err is transient: only timeouts and
// store-version conflicts are retried; everything else surfaces as-is.
func IsRetryable(err error) bool {
	return IsTimeout(err) || IsVersionConflict(err)
}
