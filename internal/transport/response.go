// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the orchestration API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fluxline/conductor/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrValidation:        http.StatusUnprocessableEntity,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrConditionNotMet:   http.StatusUnprocessableEntity,
	model.ErrUnroutableEvent:   http.StatusBadGateway,
	model.ErrTimeout:           http.StatusGatewayTimeout,
	model.ErrVersionConflict:   http.StatusConflict,
	model.ErrRetriesExhausted:  http.StatusConflict,
	model.ErrWorkflowNotActive: http.StatusConflict,
	model.ErrConflict:          http.StatusConflict,
	model.ErrInternal:          http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Non-envelope errors become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError("")
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteBadRequest writes a 400 error response for malformed input that
// never reached the core.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, http.StatusBadRequest, errorResponse{
		Error: &model.ErrorEnvelope{Code: model.ErrValidation, Message: msg},
	})
}
