package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxline/conductor/model"
)

// HTTPWorkerConfig configures an out-of-process worker reached over
// HTTP.
type HTTPWorkerConfig struct {
	Name string
	// BaseURL is the worker's root endpoint. Events go to POST
	// {BaseURL}/events, health probes to GET {BaseURL}/healthz.
	BaseURL string
	// EventTypes lists event types this worker claims via CanHandle. An
	// entry ending in "*" matches by prefix.
	EventTypes []string
	Timeout    time.Duration
}

// HTTPWorker is a Worker backed by a remote HTTP service. Event
// payloads are posted as JSON and the response body becomes the
// worker's result map.
type HTTPWorker struct {
	cfg    HTTPWorkerConfig
	client *http.Client
}

// NewHTTPWorker creates a worker with a dedicated HTTP client.
func NewHTTPWorker(cfg HTTPWorkerConfig) *HTTPWorker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWorker{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Name returns the worker's registered name.
func (w *HTTPWorker) Name() string { return w.cfg.Name }

// CanHandle reports whether the event type matches one of the worker's
// declared event types.
func (w *HTTPWorker) CanHandle(eventType string) bool {
	for _, et := range w.cfg.EventTypes {
		if prefix, ok := strings.CutSuffix(et, "*"); ok {
			if strings.HasPrefix(eventType, prefix) {
				return true
			}
			continue
		}
		if et == eventType {
			return true
		}
	}
	return false
}

type eventRequest struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// ProcessEvent posts the event to the remote worker and decodes the
// response body as the result map. Non-2xx responses are errors; a
// context deadline surfaces as a TIMEOUT so the caller can retry.
func (w *HTTPWorker) ProcessEvent(ctx context.Context, eventType string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(eventRequest{EventType: eventType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewTimeoutError(
				fmt.Sprintf("worker %s did not respond in time", w.cfg.Name),
			)
		}
		return nil, fmt.Errorf("call worker %s: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read worker %s response: %w", w.cfg.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("worker %s returned status %d: %s",
			w.cfg.Name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode worker %s response: %w", w.cfg.Name, err)
	}
	return result, nil
}

// CheckHealth probes the worker's health endpoint. A reachable worker
// returning non-2xx is degraded; an unreachable one is unhealthy.
func (w *HTTPWorker) CheckHealth(ctx context.Context) (model.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return model.HealthStatus{}, fmt.Errorf("build health request: %w", err)
	}

	now := time.Now().UTC()
	resp, err := w.client.Do(req)
	if err != nil {
		return model.HealthStatus{
			State:     model.HealthUnhealthy,
			Detail:    err.Error(),
			CheckedAt: now,
		}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.HealthStatus{
			State:     model.HealthDegraded,
			Detail:    fmt.Sprintf("health endpoint returned %d", resp.StatusCode),
			CheckedAt: now,
		}, nil
	}
	return model.HealthStatus{State: model.HealthHealthy, CheckedAt: now}, nil
}
