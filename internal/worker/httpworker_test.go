package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluxline/conductor/model"
)

func TestHTTPWorkerProcessEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.EventType != "lead_capture" {
			t.Errorf("event_type = %q", req.EventType)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"leadId": "L-42",
			"score":  req.Payload["score"],
		})
	}))
	defer srv.Close()

	w := NewHTTPWorker(HTTPWorkerConfig{
		Name:    "Nyra",
		BaseURL: srv.URL,
	})

	result, err := w.ProcessEvent(context.Background(), "lead_capture", map[string]any{"score": 87.5})
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if result["leadId"] != "L-42" || result["score"] != 87.5 {
		t.Errorf("result = %v", result)
	}
}

func TestHTTPWorkerProcessEventServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "lead store unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewHTTPWorker(HTTPWorkerConfig{Name: "Nyra", BaseURL: srv.URL})

	if _, err := w.ProcessEvent(context.Background(), "lead_capture", nil); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestHTTPWorkerProcessEventTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	w := NewHTTPWorker(HTTPWorkerConfig{Name: "Nyra", BaseURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.ProcessEvent(ctx, "lead_capture", nil)
	if !model.IsTimeout(err) {
		t.Errorf("ProcessEvent error = %v, want TIMEOUT", err)
	}
}

func TestHTTPWorkerCanHandle(t *testing.T) {
	w := NewHTTPWorker(HTTPWorkerConfig{
		Name:       "Nyra",
		EventTypes: []string{"lead_capture", "lead_*"},
	})

	cases := []struct {
		event string
		want  bool
	}{
		{"lead_capture", true},
		{"lead_qualify", true},
		{"book_appointment", false},
	}
	for _, tc := range cases {
		if got := w.CanHandle(tc.event); got != tc.want {
			t.Errorf("CanHandle(%q) = %v, want %v", tc.event, got, tc.want)
		}
	}
}

func TestHTTPWorkerCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	w := NewHTTPWorker(HTTPWorkerConfig{Name: "Nyra", BaseURL: healthy.URL})
	status, err := w.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if status.State != model.HealthHealthy {
		t.Errorf("state = %q, want healthy", status.State)
	}

	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer degraded.Close()

	w = NewHTTPWorker(HTTPWorkerConfig{Name: "Nyra", BaseURL: degraded.URL})
	status, err = w.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if status.State != model.HealthDegraded {
		t.Errorf("state = %q, want degraded", status.State)
	}

	w = NewHTTPWorker(HTTPWorkerConfig{Name: "Nyra", BaseURL: "http://127.0.0.1:1"})
	status, err = w.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if status.State != model.HealthUnhealthy {
		t.Errorf("state = %q, want unhealthy", status.State)
	}
}
