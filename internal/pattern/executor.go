// Package pattern runs coordination patterns: predefined multi-step
// sequences spanning multiple workers. Step 0 executes synchronously so
// callers get an immediate answer; later steps continue as background
// work, serialized per instance so history writes never interleave.
package pattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxline/conductor/internal/definition"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/router"
	"github.com/fluxline/conductor/internal/store"
	"github.com/fluxline/conductor/model"
)

// Invoker dispatches an event to a named worker. Satisfied by
// router.Router, which adds breaker, timeout, and fallback handling.
type Invoker interface {
	Invoke(ctx context.Context, workerName string, event router.Event) (map[string]any, error)
}

// StartResult is the synchronous answer to a pattern start.
type StartResult struct {
	WorkflowID string `json:"workflowId"`
	Pattern    string `json:"pattern"`
	Status     string `json:"status"`
}

// Start statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type job struct {
	patternName string
	step        int
}

// lane serializes step execution for one instance. Jobs queue behind
// the in-flight one; the drain goroutine exits when the lane empties.
type lane struct {
	jobs chan job
}

// Executor runs coordination patterns against registered workers.
type Executor struct {
	registry  *definition.Registry
	store     store.Store
	invoker   Invoker
	actions   model.ActionRegistry
	metrics   *observability.Metrics
	logger    *zap.Logger
	queueSize int

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// NewExecutor creates a pattern executor. The action registry may be
// nil; fallback actions are then skipped. queueSize bounds the number
// of continuations queued per instance.
func NewExecutor(
	registry *definition.Registry,
	st store.Store,
	invoker Invoker,
	actions model.ActionRegistry,
	metrics *observability.Metrics,
	logger *zap.Logger,
	queueSize int,
) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		registry:  registry,
		store:     st,
		invoker:   invoker,
		actions:   actions,
		metrics:   metrics,
		logger:    logger,
		queueSize: queueSize,
		lanes:     make(map[string]*lane),
	}
}

// Start begins a coordination pattern run. Step 0 executes before Start
// returns; when it succeeds and the pattern declares a continuation,
// the next step is scheduled as background work and the result reports
// "started". Single-step patterns complete synchronously.
func (e *Executor) Start(ctx context.Context, patternName string, input map[string]any) (StartResult, error) {
	p, ok := e.registry.GetPattern(patternName)
	if !ok {
		return StartResult{}, model.NewNotFoundError(
			fmt.Sprintf("coordination pattern %q not found", patternName),
		)
	}

	now := time.Now().UTC()
	contextData := make(map[string]any, len(input))
	for k, v := range input {
		contextData[k] = v
	}

	inst := model.WorkflowInstance{
		InstanceID:       uuid.NewString(),
		WorkflowID:       p.Name,
		CurrentState:     "step0",
		Status:           model.StatusActive,
		ContextData:      contextData,
		Version:          1,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	inst.AppendHistory(model.HistoryEntry{
		ID:          uuid.NewString(),
		Actor:       "system",
		Description: "pattern started",
		ToState:     "step0",
		Timestamp:   now,
	})
	if err := e.store.Create(ctx, inst); err != nil {
		return StartResult{}, err
	}

	e.metrics.RecordPatternStart(p.Name)
	e.logger.Info("pattern started",
		zap.String("pattern", p.Name),
		zap.String("instance_id", inst.InstanceID),
		zap.Int("steps", len(p.Steps)),
	)

	result := StartResult{WorkflowID: inst.InstanceID, Pattern: p.Name}

	next, err := e.runStep(ctx, p, inst.InstanceID, 0)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	if next < 0 {
		result.Status = StatusCompleted
		return result, nil
	}

	e.enqueue(inst.InstanceID, p.Name, next)
	result.Status = StatusStarted
	return result, nil
}

// runStep executes one pattern step against its worker and records the
// outcome on the instance. Returns the index of the next step to run,
// or -1 when the pipeline ends here.
func (e *Executor) runStep(ctx context.Context, p model.CoordinationPattern, instanceID string, idx int) (int, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return -1, err
	}
	if inst.Status != model.StatusActive {
		return -1, model.NewWorkflowNotActiveError(
			fmt.Sprintf("pattern instance %q is %s, not active", instanceID, inst.Status),
		)
	}
	if idx < 0 || idx >= len(p.Steps) {
		return -1, model.NewValidationError(
			fmt.Sprintf("pattern %q has no step %d", p.Name, idx), nil,
		)
	}
	step := p.Steps[idx]

	// Each step sees the accumulated context, prior step records
	// included.
	payload := make(map[string]any, len(inst.ContextData))
	for k, v := range inst.ContextData {
		payload[k] = v
	}

	result, callErr := e.invoker.Invoke(ctx, step.Worker, router.Event{
		Type:       step.EventType,
		Payload:    payload,
		InstanceID: instanceID,
	})

	now := time.Now().UTC()
	record := map[string]any{
		"worker":       step.Worker,
		"event_type":   step.EventType,
		"success":      callErr == nil,
		"completed_at": now.Format(time.RFC3339Nano),
	}
	if callErr != nil {
		record["error"] = callErr.Error()
	} else if result != nil {
		record["result"] = result
	}

	key := fmt.Sprintf("step%d_%s_%s", idx, step.Worker, step.EventType)
	if inst.ContextData == nil {
		inst.ContextData = make(map[string]any)
	}
	inst.ContextData[key] = record

	from := inst.CurrentState
	next := -1
	switch {
	case callErr != nil:
		inst.Status = model.StatusFailed
		inst.CurrentState = StatusFailed
	default:
		next = nextStep(p, idx)
		if next < 0 {
			inst.Status = model.StatusCompleted
			inst.CurrentState = StatusCompleted
		} else {
			inst.CurrentState = fmt.Sprintf("step%d", next)
		}
	}

	inst.LastTransitionAt = now
	inst.AppendHistory(model.HistoryEntry{
		ID:          uuid.NewString(),
		Actor:       "system",
		Description: fmt.Sprintf("pattern step %d (%s/%s)", idx, step.Worker, step.EventType),
		FromState:   from,
		ToState:     inst.CurrentState,
		Timestamp:   now,
	})

	if err := e.store.Save(ctx, inst, inst.Version); err != nil {
		e.logger.Error("pattern step result not persisted",
			zap.String("pattern", p.Name),
			zap.String("instance_id", instanceID),
			zap.Int("step", idx),
			zap.Error(err),
		)
		return -1, err
	}

	if callErr != nil {
		e.metrics.RecordPatternStep(p.Name, "error")
		e.metrics.RecordPatternCompletion(p.Name, StatusFailed)
		e.logger.Warn("pattern step failed",
			zap.String("pattern", p.Name),
			zap.String("instance_id", instanceID),
			zap.Int("step", idx),
			zap.String("worker", step.Worker),
			zap.Error(callErr),
		)
		e.runFallbackActions(ctx, p, &inst)
		return -1, callErr
	}

	e.metrics.RecordPatternStep(p.Name, "success")
	if next < 0 {
		e.metrics.RecordPatternCompletion(p.Name, StatusCompleted)
		e.logger.Info("pattern completed",
			zap.String("pattern", p.Name),
			zap.String("instance_id", instanceID),
		)
	}
	return next, nil
}

// runFallbackActions runs the pattern's fallback actions after a step
// failure. Best effort: the pattern is already marked failed.
func (e *Executor) runFallbackActions(ctx context.Context, p model.CoordinationPattern, inst *model.WorkflowInstance) {
	if e.actions == nil {
		return
	}
	for _, name := range p.FallbackActions {
		if err := e.actions.Run(ctx, name, inst); err != nil {
			e.logger.Warn("pattern fallback action failed",
				zap.String("pattern", p.Name),
				zap.String("instance_id", inst.InstanceID),
				zap.String("action", name),
				zap.Error(err),
			)
		}
	}
}

// nextStep resolves a step's continuation: the first later step handled
// by the worker next_on_success names, or -1 when the pipeline ends.
func nextStep(p model.CoordinationPattern, idx int) int {
	step := p.Steps[idx]
	if step.NextOnSuccess == nil {
		return -1
	}
	for j := idx + 1; j < len(p.Steps); j++ {
		if p.Steps[j].Worker == *step.NextOnSuccess {
			return j
		}
	}
	return -1
}

// enqueue schedules a continuation on the instance's lane, creating
// the lane and its drain goroutine on first use.
func (e *Executor) enqueue(instanceID, patternName string, step int) {
	e.mu.Lock()
	l, ok := e.lanes[instanceID]
	if !ok {
		l = &lane{jobs: make(chan job, e.queueSize)}
		e.lanes[instanceID] = l
		e.wg.Add(1)
		go e.drain(instanceID, l)
	}

	select {
	case l.jobs <- job{patternName: patternName, step: step}:
		e.metrics.PatternQueueDepth.WithLabelValues(patternName).Inc()
	default:
		e.logger.Warn("pattern continuation queue full",
			zap.String("pattern", patternName),
			zap.String("instance_id", instanceID),
			zap.Int("step", step),
		)
		e.metrics.RecordPatternStep(patternName, "dropped")
	}
	e.mu.Unlock()
}

// drain runs an instance's queued continuations one at a time. The
// lane is removed once its queue is observed empty; a later enqueue
// creates a fresh lane.
func (e *Executor) drain(instanceID string, l *lane) {
	defer e.wg.Done()
	for {
		var j job
		e.mu.Lock()
		select {
		case j = <-l.jobs:
			e.mu.Unlock()
		default:
			delete(e.lanes, instanceID)
			e.mu.Unlock()
			return
		}

		e.metrics.PatternQueueDepth.WithLabelValues(j.patternName).Dec()

		p, ok := e.registry.GetPattern(j.patternName)
		if !ok {
			e.logger.Error("pattern vanished between steps",
				zap.String("pattern", j.patternName),
				zap.String("instance_id", instanceID),
			)
			continue
		}

		// Background steps outlive the caller's request context.
		next, err := e.runStep(context.Background(), p, instanceID, j.step)
		if err == nil && next >= 0 {
			e.enqueue(instanceID, j.patternName, next)
		}
	}
}

// Shutdown waits for in-flight pattern steps to settle.
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
