// Package router resolves events to workers and invokes them. Resolution
// walks a fixed chain of strategies from cheapest to most expensive;
// invocation applies per-worker timeouts, circuit breakers, and fallback
// chains, and publishes a routing event for every worker call.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/worker"
	"github.com/fluxline/conductor/model"
)

// Resolution stage names, in chain order.
const (
	StageExplicit   = "explicit"
	StageEntity     = "entity"
	StageCapability = "capability"
	StagePrefix     = "prefix"
	StageProbe      = "probe"
	StageMemo       = "memo"
)

// Options tunes router behavior.
type Options struct {
	// Memoize caches prefix and probe resolutions per event type.
	Memoize bool
	// WorkerTimeout bounds each worker invocation.
	WorkerTimeout time.Duration
}

// Event is a routed occurrence: the event type plus optional scoping
// hints that steer resolution.
type Event struct {
	Type    string
	Payload map[string]any
	// InstanceID ties the event to a workflow instance, if any.
	InstanceID string
	// BusinessEntityID scopes the event to a dedicated worker.
	BusinessEntityID string
	// RequiredCapability requests a worker declaring this capability.
	RequiredCapability string
}

// Router resolves and invokes workers for events.
type Router struct {
	workers   *worker.Registry
	routing   func() *model.RoutingTable
	breakers  *worker.BreakerSet
	publisher model.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	opts      Options

	memoMu sync.RWMutex
	memo   map[string]string
}

// New creates a router. The routing table is fetched through a function
// so definition reloads take effect without rebuilding the router.
func New(
	workers *worker.Registry,
	routing func() *model.RoutingTable,
	breakers *worker.BreakerSet,
	publisher model.Publisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Router {
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = 10 * time.Second
	}
	return &Router{
		workers:   workers,
		routing:   routing,
		breakers:  breakers,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		memo:      make(map[string]string),
	}
}

// Resolve walks the resolution chain and returns the selected worker.
// The chain is ordered so identical inputs always pick the same worker:
// explicit map, entity association, capability index, event type prefix,
// then a CanHandle probe over workers in registration order. Fails with
// UNROUTABLE_EVENT when nothing matches.
func (r *Router) Resolve(event Event) (model.Worker, model.RoutingDecision, error) {
	table := r.routing()

	// Stage 1: explicit event type mapping.
	if table != nil {
		if name, ok := table.Explicit[event.Type]; ok {
			if w, found := r.workers.Get(name); found {
				return w, r.decided(event.Type, name, StageExplicit, false), nil
			}
			r.logger.Warn("explicit route names unregistered worker",
				zap.String("event_type", event.Type),
				zap.String("worker", name),
			)
		}
	}

	// Stage 2: business entity association. The associated worker must
	// also accept the event type, otherwise the later stages apply.
	if event.BusinessEntityID != "" {
		if w, ok := r.workers.ByEntity(event.BusinessEntityID); ok && w.CanHandle(event.Type) {
			return w, r.decided(event.Type, w.Name(), StageEntity, false), nil
		}
	}

	// Stage 3: capability requirement.
	if event.RequiredCapability != "" {
		if w, ok := r.workers.ByCapability(event.RequiredCapability); ok {
			return w, r.decided(event.Type, w.Name(), StageCapability, false), nil
		}
	}

	// Memoized prefix/probe results short-circuit the expensive stages.
	if r.opts.Memoize {
		r.memoMu.RLock()
		name, ok := r.memo[event.Type]
		r.memoMu.RUnlock()
		if ok {
			if w, found := r.workers.Get(name); found {
				return w, r.decided(event.Type, name, StageMemo, true), nil
			}
		}
	}

	// Stage 4: event type prefix table. "lead_capture" keys on "lead".
	if table != nil {
		if prefix, _, found := strings.Cut(event.Type, "_"); found {
			if name, ok := table.PrefixTable[prefix]; ok {
				if w, wok := r.workers.Get(name); wok {
					r.memoize(event.Type, name)
					return w, r.decided(event.Type, name, StagePrefix, false), nil
				}
			}
		}
	}

	// Stage 5: dynamic probe in registration order.
	for _, w := range r.workers.All() {
		if w.CanHandle(event.Type) {
			r.memoize(event.Type, w.Name())
			return w, r.decided(event.Type, w.Name(), StageProbe, false), nil
		}
	}

	r.metrics.RecordUnroutableEvent(event.Type)
	return nil, model.RoutingDecision{}, model.NewUnroutableEventError(
		"no worker can handle event type " + event.Type,
	)
}

// Route resolves the event and invokes the selected worker, walking its
// fallback chain on failure.
func (r *Router) Route(ctx context.Context, event Event) (map[string]any, error) {
	w, decision, err := r.Resolve(event)
	if err != nil {
		return nil, err
	}

	observability.LoggerFrom(ctx, r.logger).Debug("event routed",
		zap.String("event_type", event.Type),
		zap.String("worker", w.Name()),
		zap.String("stage", decision.Stage),
		zap.Bool("memoized", decision.Memoized),
		zap.Any("payload", observability.RedactPayload(event.Payload, nil)),
	)

	return r.Invoke(ctx, w.Name(), event)
}

// Invoke calls the named worker with breaker, timeout, and fallback
// handling. When the worker fails or its breaker is open, the worker's
// fallback chain is walked in order; the first success wins. Every
// attempted call publishes a routing event. When the chain is exhausted
// the primary worker's error comes back, annotated with the fallbacks
// that were attempted.
func (r *Router) Invoke(ctx context.Context, workerName string, event Event) (map[string]any, error) {
	var fallbacks []string
	if table := r.routing(); table != nil {
		fallbacks = table.FallbackChains[workerName]
	}

	var primaryErr error
	if w, ok := r.workers.Get(workerName); ok {
		result, err := r.invokeOne(ctx, w, event)
		if err == nil {
			return result, nil
		}
		primaryErr = err
	} else {
		primaryErr = model.NewNotFoundError("worker " + workerName + " not registered")
	}

	var attempted []string
	prev := workerName
	for _, name := range fallbacks {
		attempted = append(attempted, name)

		w, ok := r.workers.Get(name)
		if !ok {
			r.logger.Warn("fallback worker not registered",
				zap.String("event_type", event.Type),
				zap.String("fallback_worker", name),
			)
			continue
		}

		r.metrics.RecordRoutingFallback(workerName, name)
		r.logger.Info("falling back to next worker",
			zap.String("event_type", event.Type),
			zap.String("failed_worker", prev),
			zap.String("fallback_worker", name),
		)
		prev = name

		result, err := r.invokeOne(ctx, w, event)
		if err == nil {
			return result, nil
		}
	}

	if len(attempted) > 0 {
		return nil, fmt.Errorf("%w (fallbacks attempted: %s)",
			primaryErr, strings.Join(attempted, ", "))
	}
	return nil, primaryErr
}

// invokeOne runs a single worker call under its breaker and timeout,
// and publishes the outcome.
func (r *Router) invokeOne(ctx context.Context, w model.Worker, event Event) (map[string]any, error) {
	name := w.Name()
	breaker := r.breakers.For(name)
	if err := breaker.Allow(name); err != nil {
		r.metrics.SetWorkerBreakerState(name, float64(breaker.State()))
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "worker.process_event",
		observability.AttrWorker.String(name),
		observability.AttrEventType.String(event.Type),
	)
	callCtx, cancel := context.WithTimeout(ctx, r.opts.WorkerTimeout)
	defer cancel()

	start := time.Now()
	result, err := w.ProcessEvent(callCtx, event.Type, event.Payload)
	elapsed := time.Since(start)
	observability.EndSpanWithError(span, err)

	status := "success"
	if err != nil {
		status = "error"
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	r.metrics.RecordWorkerInvocation(name, status, elapsed)
	r.metrics.SetWorkerBreakerState(name, float64(breaker.State()))

	r.publish(event, name, result, err)

	if err != nil {
		observability.LoggerFrom(ctx, r.logger).Warn("worker invocation failed",
			zap.String("worker", name),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

// publish emits a routing event for a worker call. Publication is
// observational; failures are logged and never affect the call result.
func (r *Router) publish(event Event, workerName string, result map[string]any, callErr error) {
	if r.publisher == nil {
		return
	}

	re := model.RoutingEvent{
		ID:         uuid.NewString(),
		EventType:  event.Type,
		InstanceID: event.InstanceID,
		WorkerName: workerName,
		Result:     result,
		Success:    callErr == nil,
		Timestamp:  time.Now().UTC(),
	}
	if callErr != nil {
		re.Error = callErr.Error()
	}

	// Detached context: publication must not inherit a cancelled caller.
	pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, re); err != nil {
		r.logger.Warn("routing event publication failed",
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
	}
}

func (r *Router) decided(eventType, workerName, stage string, memoized bool) model.RoutingDecision {
	r.metrics.RecordRoutingDecision(stage, memoized)
	return model.RoutingDecision{
		EventType: eventType,
		Worker:    workerName,
		Stage:     stage,
		Memoized:  memoized,
	}
}

func (r *Router) memoize(eventType, workerName string) {
	if !r.opts.Memoize {
		return
	}
	r.memoMu.Lock()
	r.memo[eventType] = workerName
	r.memoMu.Unlock()
}

// InvalidateMemo clears memoized resolutions. Call after worker
// registration changes or definition reloads.
func (r *Router) InvalidateMemo() {
	r.memoMu.Lock()
	r.memo = make(map[string]string)
	r.memoMu.Unlock()
}
