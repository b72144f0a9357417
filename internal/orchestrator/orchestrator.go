// Package orchestrator is the facade over the orchestration core. It is
// the only entry point callers outside this module use: event handling,
// workflow lifecycle, pattern starts, health aggregation, and the
// timeout sweep loop all go through it.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxline/conductor/internal/engine"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/pattern"
	"github.com/fluxline/conductor/internal/router"
	"github.com/fluxline/conductor/internal/worker"
	"github.com/fluxline/conductor/model"
)

// Options tunes orchestrator behavior.
type Options struct {
	// WorkerProbeTimeout bounds each per-worker health probe.
	WorkerProbeTimeout time.Duration
	// SweepInterval is the period of the timeout sweep loop.
	SweepInterval time.Duration
}

// Orchestrator composes the engine, router, and pattern executor.
type Orchestrator struct {
	engine   *engine.Engine
	router   *router.Router
	patterns *pattern.Executor
	workers  *worker.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
}

// New creates the orchestrator facade.
func New(
	eng *engine.Engine,
	rt *router.Router,
	patterns *pattern.Executor,
	workers *worker.Registry,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.WorkerProbeTimeout <= 0 {
		opts.WorkerProbeTimeout = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Orchestrator{
		engine:   eng,
		router:   rt,
		patterns: patterns,
		workers:  workers,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
	}
}

// HandleEvent routes a single event to a worker and returns the worker's
// result.
func (o *Orchestrator) HandleEvent(ctx context.Context, event router.Event) (map[string]any, error) {
	return o.router.Route(ctx, event)
}

// StartWorkflow creates a new instance of the named workflow definition.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string, input map[string]any) (model.WorkflowInstance, error) {
	return o.engine.Start(ctx, workflowID, input)
}

// ContinueWorkflow drives a transition to completion, scheduling the
// retries the engine recommends. The engine itself never loops; this is
// where a retryable failure waits out its backoff delay and tries
// again, until the transition commits, fails permanently, or the
// context ends.
func (o *Orchestrator) ContinueWorkflow(
	ctx context.Context,
	instanceID, transitionName, actorID string,
	data map[string]any,
) (model.TransitionResult, error) {
	var attempts []model.AttemptRecord
	attempt := 0
	for {
		result, err := o.engine.Execute(ctx, instanceID, transitionName, actorID, data, attempt)
		if err == nil || !result.RetryRecommended {
			// A permanently exhausted retry chain carries the record of
			// every failed attempt.
			var env *model.ErrorEnvelope
			if errors.As(err, &env) && env.Code == model.ErrRetriesExhausted {
				env.Attempts = attempts
			}
			return result, err
		}
		attempts = append(attempts, model.AttemptRecord{
			Attempt:   attempt,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})

		o.logger.Info("transition retry scheduled",
			zap.String("instance_id", instanceID),
			zap.String("transition", transitionName),
			zap.Int("attempt", attempt),
			zap.Duration("delay", result.RetryAfter),
			zap.Error(err),
		)

		timer := time.NewTimer(result.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}

		// A retryable failure persists nothing, so every attempt carries
		// the caller's data again. The merge is idempotent.
		attempt++
	}
}

// ExecuteTransition runs exactly one transition attempt, surfacing the
// retry recommendation to the caller instead of waiting it out.
func (o *Orchestrator) ExecuteTransition(
	ctx context.Context,
	instanceID, transitionName, actorID string,
	data map[string]any,
	attempt int,
) (model.TransitionResult, error) {
	return o.engine.Execute(ctx, instanceID, transitionName, actorID, data, attempt)
}

// StartPattern begins a coordination pattern run.
func (o *Orchestrator) StartPattern(ctx context.Context, patternName string, input map[string]any) (pattern.StartResult, error) {
	return o.patterns.Start(ctx, patternName, input)
}

// CancelWorkflow stops an active instance with an audit trail entry.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, instanceID, actorID, reason string) error {
	return o.engine.Cancel(ctx, instanceID, actorID, reason)
}

// GetInstance returns a workflow instance by ID.
func (o *Orchestrator) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return o.engine.Get(ctx, instanceID)
}

// ListInstances returns instance summaries matching the filters.
func (o *Orchestrator) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, error) {
	return o.engine.List(ctx, filters)
}

// CheckHealth probes every registered worker concurrently, each bounded
// by its own timeout so one hanging worker never blocks the rest. The
// aggregate is unhealthy if any worker is unhealthy, degraded if any is
// degraded, healthy otherwise.
func (o *Orchestrator) CheckHealth(ctx context.Context) model.HealthReport {
	workers := o.workers.All()
	report := model.HealthReport{
		Status:  model.HealthHealthy,
		Workers: make(map[string]model.HealthStatus, len(workers)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w model.Worker) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, o.opts.WorkerProbeTimeout)
			defer cancel()

			status, err := w.CheckHealth(probeCtx)
			if err != nil {
				status = model.HealthStatus{
					State:     model.HealthUnhealthy,
					Detail:    err.Error(),
					CheckedAt: time.Now().UTC(),
				}
			}
			if status.CheckedAt.IsZero() {
				status.CheckedAt = time.Now().UTC()
			}

			o.metrics.SetWorkerHealthState(w.Name(), healthGauge(status.State))

			mu.Lock()
			report.Workers[w.Name()] = status
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	for _, status := range report.Workers {
		switch status.State {
		case model.HealthUnhealthy:
			report.Status = model.HealthUnhealthy
		case model.HealthDegraded:
			if report.Status != model.HealthUnhealthy {
				report.Status = model.HealthDegraded
			}
		}
	}
	return report
}

// RunSweeper processes instance timeouts on a fixed interval until the
// context ends. Run it in its own goroutine.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.engine.ProcessTimeouts(ctx); err != nil {
				o.logger.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// Shutdown drains in-flight pattern steps.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.patterns.Shutdown(ctx)
}

func healthGauge(state string) float64 {
	switch state {
	case model.HealthHealthy:
		return 0
	case model.HealthDegraded:
		return 1
	default:
		return 2
	}
}
