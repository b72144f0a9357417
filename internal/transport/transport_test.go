package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/definition"
	"github.com/fluxline/conductor/internal/engine"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/orchestrator"
	"github.com/fluxline/conductor/internal/pattern"
	"github.com/fluxline/conductor/internal/router"
	"github.com/fluxline/conductor/internal/store"
	"github.com/fluxline/conductor/internal/worker"
	"github.com/fluxline/conductor/model"
)

type echoWorker struct{ name string }

func (w *echoWorker) Name() string          { return w.name }
func (w *echoWorker) CanHandle(eventType string) bool { return eventType == "lead_capture" }
func (w *echoWorker) ProcessEvent(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
	return map[string]any{"handled_by": w.name, "echo": payload}, nil
}
func (w *echoWorker) CheckHealth(context.Context) (model.HealthStatus, error) {
	return model.HealthStatus{State: model.HealthHealthy, CheckedAt: time.Now().UTC()}, nil
}

func newServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	bundle := definition.Bundle{
		Workflows: []model.WorkflowDefinition{{
			ID:           "orders.approval",
			InitialState: "start",
			States: map[string]model.State{
				"start": {Name: "start", AvailableTransitions: []string{"to_done"}},
				"done":  {Name: "done", IsTerminal: true},
			},
			Transitions: []model.Transition{{Name: "to_done", From: "start", To: "done"}},
		}},
		Patterns: []model.CoordinationPattern{{
			Name:  "capture_only",
			Steps: []model.PatternStep{{Worker: "Nyra", EventType: "lead_capture"}},
		}},
		Routing: model.RoutingTable{
			Explicit: map[string]string{"lead_capture": "Nyra"},
		},
	}
	reg := definition.NewRegistry(bundle)
	st := store.NewMemoryStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	logger := zaptest.NewLogger(t)

	workers := worker.NewRegistry()
	if err := workers.Register(&echoWorker{name: "Nyra"}); err != nil {
		t.Fatal(err)
	}

	breakers := worker.NewBreakerSet(func() *worker.Breaker {
		return worker.NewBreaker(5, 2, time.Minute)
	})
	routing := reg.Routing()
	rt := router.New(workers, func() *model.RoutingTable { return &routing },
		breakers, nil, metrics, logger, router.Options{})

	eng := engine.New(reg, st, nil, nil, metrics, logger)
	exec := pattern.NewExecutor(reg, st, rt, nil, metrics, logger, 8)
	orch := orchestrator.New(eng, rt, exec, workers, metrics, logger, orchestrator.Options{})

	cfg := config.Defaults()
	handler := NewRouter(Dependencies{
		Config:       cfg,
		Orchestrator: orch,
		Metrics:      metrics,
		Logger:       logger,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return reg.Len() > 0 },
			InstanceStore:     st,
		},
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}
}

func TestEventEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/events", map[string]any{
		"event_type": "lead_capture",
		"payload":    map[string]any{"leadId": "L-42"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	result, _ := body["result"].(map[string]any)
	if result["handled_by"] != "Nyra" {
		t.Errorf("body = %v", body)
	}

	// Unroutable events surface as 502 with the envelope code.
	resp = postJSON(t, srv.URL+"/v1/events", map[string]any{"event_type": "xyz_123"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	errBody := decode[map[string]map[string]any](t, resp)
	if errBody["error"]["code"] != model.ErrUnroutableEvent {
		t.Errorf("error = %v", errBody)
	}

	resp = postJSON(t, srv.URL+"/v1/events", map[string]any{"payload": map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing event_type status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/workflows/orders.approval/start", map[string]any{
		"input": map[string]any{"orderValue": 1500},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	inst := decode[model.WorkflowInstance](t, resp)
	if inst.CurrentState != "start" {
		t.Fatalf("instance = %+v", inst)
	}

	resp = postJSON(t, srv.URL+"/v1/instances/"+inst.InstanceID+"/transitions/to_done", map[string]any{
		"actor_id": "user-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transition status = %d", resp.StatusCode)
	}
	result := decode[model.TransitionResult](t, resp)
	if !result.Success || result.ToState != "done" {
		t.Errorf("result = %+v", result)
	}

	resp, err := http.Get(srv.URL + "/v1/instances/" + inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	stored := decode[model.WorkflowInstance](t, resp)
	if stored.Status != model.StatusCompleted {
		t.Errorf("status = %q", stored.Status)
	}

	resp, err = http.Get(srv.URL + "/v1/instances?workflow_id=orders.approval")
	if err != nil {
		t.Fatal(err)
	}
	list := decode[map[string]any](t, resp)
	data, _ := list["data"].([]any)
	if len(data) != 1 {
		t.Errorf("list = %v", list)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/workflows/orders.approval/start", map[string]any{"input": map[string]any{}})
	inst := decode[model.WorkflowInstance](t, resp)

	resp = postJSON(t, srv.URL+"/v1/instances/"+inst.InstanceID+"/cancel", map[string]any{
		"actor_id": "user-1",
		"reason":   "duplicate order",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A second cancel conflicts.
	resp = postJSON(t, srv.URL+"/v1/instances/"+inst.InstanceID+"/cancel", map[string]any{"actor_id": "user-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPatternEndpoint(t *testing.T) {
	srv, st := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/patterns/capture_only/start", map[string]any{
		"input": map[string]any{"leadId": "L-42"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	result := decode[pattern.StartResult](t, resp)
	if result.Status != pattern.StatusCompleted {
		t.Errorf("result = %+v", result)
	}

	inst, err := st.Get(context.Background(), result.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != model.StatusCompleted {
		t.Errorf("instance status = %q", inst.Status)
	}

	resp = postJSON(t, srv.URL+"/v1/patterns/missing/start", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown pattern status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequestLoggingScopesContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("handling")
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequestID(RequestLogging(zap.New(core))(inner))

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// Both the in-handler line and the request summary carry the
	// correlation ID from the scoped logger.
	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ContextMap()["correlation_id"] != "corr-123" {
			t.Errorf("entry %q missing correlation id: %v", e.Message, e.ContextMap())
		}
	}
}

func TestWorkerHealthEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/workers/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	report := decode[model.HealthReport](t, resp)
	if report.Status != model.HealthHealthy || len(report.Workers) != 1 {
		t.Errorf("report = %+v", report)
	}
}
