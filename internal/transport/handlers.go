package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fluxline/conductor/internal/orchestrator"
	"github.com/fluxline/conductor/internal/router"
	"github.com/fluxline/conductor/model"
)

func handleEvent(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EventType          string         `json:"event_type"`
			Payload            map[string]any `json:"payload"`
			InstanceID         string         `json:"instance_id"`
			BusinessEntityID   string         `json:"business_entity_id"`
			RequiredCapability string         `json:"required_capability"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}
		if body.EventType == "" {
			WriteBadRequest(w, "event_type is required")
			return
		}

		result, err := orch.HandleEvent(r.Context(), router.Event{
			Type:               body.EventType,
			Payload:            body.Payload,
			InstanceID:         body.InstanceID,
			BusinessEntityID:   body.BusinessEntityID,
			RequiredCapability: body.RequiredCapability,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func handleWorkflowStart(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")

		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		inst, err := orch.StartWorkflow(r.Context(), workflowID, body.Input)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleTransition(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")
		transition := chi.URLParam(r, "transition")

		var body struct {
			ActorID string         `json:"actor_id"`
			Data    map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}
		if body.ActorID == "" {
			body.ActorID = "api"
		}

		// Retries wait out their backoff inside the handler, bounded by
		// the handler timeout on the request context.
		result, err := orch.ContinueWorkflow(r.Context(), instanceID, transition, body.ActorID, body.Data)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleInstanceGet(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := orch.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceList(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.InstanceFilters{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Status:     r.URL.Query().Get("status"),
			Limit:      queryInt(r, "limit", 20),
			Offset:     queryInt(r, "offset", 0),
		}

		summaries, err := orch.ListInstances(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleInstanceCancel(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			ActorID string `json:"actor_id"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}
		if body.ActorID == "" {
			body.ActorID = "api"
		}

		if err := orch.CancelWorkflow(r.Context(), instanceID, body.ActorID, body.Reason); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func handlePatternStart(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patternName := chi.URLParam(r, "pattern")

		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		result, err := orch.StartPattern(r.Context(), patternName, body.Input)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, result)
	}
}

func handleWorkerHealth(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := orch.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == model.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, report)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
