// Package engine executes workflow transitions. A transition attempt is
// synchronous and single-shot: the engine validates, evaluates, applies,
// and persists exactly one state change, and signals retryable failures
// back to the caller instead of looping itself.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxline/conductor/internal/condition"
	"github.com/fluxline/conductor/internal/definition"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/store"
	"github.com/fluxline/conductor/model"
)

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	registry  *definition.Registry
	store     store.Store
	actions   model.ActionRegistry
	publisher model.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// New creates a workflow engine. The action registry and publisher may
// be nil; hooks and commit events are then skipped.
func New(
	registry *definition.Registry,
	st store.Store,
	actions model.ActionRegistry,
	publisher model.Publisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		registry:  registry,
		store:     st,
		actions:   actions,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start creates a new workflow instance in the definition's initial
// state.
func (e *Engine) Start(ctx context.Context, workflowID string, input map[string]any) (model.WorkflowInstance, error) {
	wf, ok := e.registry.GetWorkflow(workflowID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if wf.Timeout > 0 {
		exp := now.Add(wf.Timeout.Std())
		expiresAt = &exp
	}

	contextData := make(map[string]any, len(input))
	for k, v := range input {
		contextData[k] = v
	}

	inst := model.WorkflowInstance{
		InstanceID:       uuid.NewString(),
		WorkflowID:       workflowID,
		CurrentState:     wf.InitialState,
		Status:           model.StatusActive,
		ContextData:      contextData,
		Version:          1,
		CreatedAt:        now,
		LastTransitionAt: now,
		ExpiresAt:        expiresAt,
	}
	inst.AppendHistory(model.HistoryEntry{
		ID:          uuid.NewString(),
		Actor:       "system",
		Description: "workflow started",
		ToState:     wf.InitialState,
		Timestamp:   now,
	})

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowStart(workflowID)
	e.logger.Info("workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("instance_id", inst.InstanceID),
		zap.String("state", wf.InitialState),
	)
	return inst, nil
}

// Execute runs a single transition attempt against an instance.
//
// The engine never retries internally. A retryable failure (timeout or
// version conflict) comes back with RetryRecommended set and the delay
// the caller should wait before the next attempt; once attempt reaches
// the transition's retryCount, the failure is surfaced as
// RETRIES_EXHAUSTED instead.
func (e *Engine) Execute(
	ctx context.Context,
	instanceID, transitionName, actorID string,
	data map[string]any,
	attempt int,
) (model.TransitionResult, error) {
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "engine.execute",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTransition.String(transitionName),
	)
	result, workflowID, err := e.execute(ctx, start, instanceID, transitionName, actorID, data, attempt)
	observability.EndSpanWithError(span, err)

	status := "success"
	if err != nil {
		status = string(model.CodeOf(err))
	}
	e.metrics.RecordTransition(workflowID, transitionName, status, time.Since(start))

	return result, err
}

func (e *Engine) execute(
	ctx context.Context,
	start time.Time,
	instanceID, transitionName, actorID string,
	data map[string]any,
	attempt int,
) (model.TransitionResult, string, error) {
	result := model.TransitionResult{Attempt: attempt}

	// 1. Load the instance.
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		result.Err = err
		return result, "unknown", err
	}
	result.FromState = inst.CurrentState

	if inst.Status != model.StatusActive {
		err := model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow instance %q is %s, not active", instanceID, inst.Status),
		)
		result.Err = err
		return result, inst.WorkflowID, err
	}

	wf, ok := e.registry.GetWorkflow(inst.WorkflowID)
	if !ok {
		err := model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.WorkflowID),
		)
		result.Err = err
		return result, inst.WorkflowID, err
	}

	// 2. The transition must be offered by the current state.
	state, ok := wf.States[inst.CurrentState]
	if !ok || !offersTransition(state, transitionName) {
		err := model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q not available from state %q", transitionName, inst.CurrentState),
		)
		result.Err = err
		return result, inst.WorkflowID, err
	}

	// 3. Resolve the transition; on a name collision the lowest priority
	// wins.
	transition := selectTransition(wf, inst.CurrentState, transitionName)
	if transition == nil {
		err := model.NewInvalidTransitionError(
			fmt.Sprintf("transition %q not defined from state %q", transitionName, inst.CurrentState),
		)
		result.Err = err
		return result, inst.WorkflowID, err
	}

	// Merge caller data into context before evaluating conditions, so
	// the data that triggers a transition can also satisfy its gate.
	if inst.ContextData == nil {
		inst.ContextData = make(map[string]any)
	}
	for k, v := range data {
		inst.ContextData[k] = v
	}

	// 4. Condition gate. Unsatisfied conditions are a business outcome,
	// not a transient fault.
	if !condition.EvaluateGroups(transition.ConditionGroups, inst.ContextData) {
		err := model.NewConditionNotMetError(
			fmt.Sprintf("conditions not met for transition %q", transitionName),
		)
		result.Err = err
		return result, inst.WorkflowID, err
	}

	// 5. Resolve the target state, honoring conditional routing.
	target := resolveTarget(transition, inst.ContextData)
	if _, ok := wf.States[target]; !ok {
		err := model.NewValidationError(
			fmt.Sprintf("transition %q routes to unknown state %q", transitionName, target),
			nil,
		)
		result.Err = err
		return result, inst.WorkflowID, err
	}
	result.ToState = target

	// 6. Wall-clock timeout covers the whole attempt so far.
	if transition.Timeout > 0 && time.Since(start) > transition.Timeout.Std() {
		result, err := e.retryable(result, transition, attempt, model.NewTimeoutError(
			fmt.Sprintf("transition %q exceeded timeout %s", transitionName, transition.Timeout),
		), inst.WorkflowID, transitionName)
		return result, inst.WorkflowID, err
	}

	// 7. Pre-actions gate the transition: any failure aborts before the
	// instance is mutated.
	for _, name := range transition.PreActions {
		if err := e.runAction(ctx, name, &inst); err != nil {
			result.Err = err
			return result, inst.WorkflowID, err
		}
	}

	// 8. Apply the state change.
	now := time.Now().UTC()
	from := inst.CurrentState
	inst.CurrentState = target
	inst.LastTransitionAt = now
	inst.AppendHistory(model.HistoryEntry{
		ID:          uuid.NewString(),
		Actor:       actorID,
		Description: fmt.Sprintf("transition %q", transitionName),
		FromState:   from,
		ToState:     target,
		Data:        data,
		Timestamp:   now,
	})
	if wf.States[target].IsTerminal {
		inst.Status = model.StatusCompleted
	}

	// 9. Commit with the version we loaded; a racing writer loses here.
	if err := e.store.Save(ctx, inst, inst.Version); err != nil {
		if model.IsVersionConflict(err) {
			e.metrics.RecordVersionConflict(inst.WorkflowID)
			result, rerr := e.retryable(result, transition, attempt, err, inst.WorkflowID, transitionName)
			return result, inst.WorkflowID, rerr
		}
		result.Err = err
		return result, inst.WorkflowID, err
	}

	// 10. Post-actions run after commit. Failures are logged, never
	// rolled back; the committed state change is the source of truth.
	for _, name := range transition.PostActions {
		if err := e.runAction(ctx, name, &inst); err != nil {
			e.logger.Warn("post-action failed after commit",
				zap.String("instance_id", instanceID),
				zap.String("transition", transitionName),
				zap.String("action", name),
				zap.Error(err),
			)
		}
	}

	if inst.Status == model.StatusCompleted {
		e.metrics.RecordWorkflowCompletion(inst.WorkflowID, inst.Status)
	}
	e.publishCommit(inst, transitionName, from, target)
	e.logger.Info("transition committed",
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("instance_id", instanceID),
		zap.String("transition", transitionName),
		zap.String("from", from),
		zap.String("to", target),
		zap.Int("version", inst.Version+1),
	)

	result.Success = true
	return result, inst.WorkflowID, nil
}

// retryable fills in the retry decision for a transient failure. The
// delay doubles per attempt when exponential backoff is configured.
func (e *Engine) retryable(
	result model.TransitionResult,
	transition *model.Transition,
	attempt int,
	cause error,
	workflowID, transitionName string,
) (model.TransitionResult, error) {
	if attempt >= transition.RetryCount {
		err := model.NewRetriesExhaustedError(
			fmt.Sprintf("transition %q failed after %d attempts: %v", transitionName, attempt+1, cause),
			nil,
		)
		result.Err = err
		return result, err
	}

	delay := transition.RetryDelay.Std()
	if transition.ExponentialBackoff {
		delay *= time.Duration(1 << uint(attempt))
	}

	result.Err = cause
	result.RetryRecommended = true
	result.RetryAfter = delay
	e.metrics.RecordTransitionRetry(workflowID, transitionName, delay)
	return result, cause
}

// Cancel stops an active or on-hold workflow instance.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) error {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	if inst.Status != model.StatusActive && inst.Status != model.StatusOnHold {
		return model.NewWorkflowNotActiveError(
			fmt.Sprintf("workflow instance %q is %s, cannot cancel", instanceID, inst.Status),
		)
	}

	now := time.Now().UTC()
	inst.Status = model.StatusCancelled
	inst.LastTransitionAt = now
	inst.AppendHistory(model.HistoryEntry{
		ID:          uuid.NewString(),
		Actor:       actorID,
		Description: "workflow cancelled: " + reason,
		FromState:   inst.CurrentState,
		ToState:     inst.CurrentState,
		Timestamp:   now,
	})

	if err := e.store.Save(ctx, inst, inst.Version); err != nil {
		return err
	}
	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, model.StatusCancelled)
	return nil
}

// Get returns a workflow instance by ID.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, instanceID)
}

// List returns instance summaries matching the filters.
func (e *Engine) List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return e.store.List(ctx, filters)
}

// ProcessTimeouts finds expired instances and resolves each one: route
// to the workflow's on_timeout state when configured, otherwise fail the
// instance.
func (e *Engine) ProcessTimeouts(ctx context.Context) error {
	expired, err := e.store.FindExpired(ctx, time.Now().UTC())
	if err != nil {
		e.metrics.RecordSweepRun("error")
		return fmt.Errorf("find expired instances: %w", err)
	}

	for _, inst := range expired {
		if err := e.processTimeout(ctx, inst); err != nil {
			e.logger.Warn("timeout processing failed",
				zap.String("instance_id", inst.InstanceID),
				zap.Error(err),
			)
		}
	}
	e.metrics.RecordSweepRun("ok")
	return nil
}

func (e *Engine) processTimeout(ctx context.Context, inst model.WorkflowInstance) error {
	wf, ok := e.registry.GetWorkflow(inst.WorkflowID)
	if !ok {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.WorkflowID),
		)
	}

	now := time.Now().UTC()
	from := inst.CurrentState
	e.metrics.RecordWorkflowTimeout(inst.WorkflowID)

	if wf.OnTimeout != "" {
		inst.CurrentState = wf.OnTimeout
		inst.LastTransitionAt = now
		inst.AppendHistory(model.HistoryEntry{
			ID:          uuid.NewString(),
			Actor:       "system",
			Description: "workflow timed out",
			FromState:   from,
			ToState:     wf.OnTimeout,
			Timestamp:   now,
		})
		if wf.States[wf.OnTimeout].IsTerminal {
			inst.Status = model.StatusCompleted
		}
	} else {
		inst.Status = model.StatusFailed
		inst.LastTransitionAt = now
		inst.AppendHistory(model.HistoryEntry{
			ID:          uuid.NewString(),
			Actor:       "system",
			Description: "workflow timed out with no handler",
			FromState:   from,
			ToState:     from,
			Timestamp:   now,
		})
	}

	return e.store.Save(ctx, inst, inst.Version)
}

func (e *Engine) runAction(ctx context.Context, name string, inst *model.WorkflowInstance) error {
	if e.actions == nil {
		return model.NewNotFoundError(fmt.Sprintf("action %q: no action registry configured", name))
	}
	return e.actions.Run(ctx, name, inst)
}

// publishCommit emits a transition event to the message bus. Best
// effort; the transition is already committed.
func (e *Engine) publishCommit(inst model.WorkflowInstance, transitionName, from, to string) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := e.publisher.Publish(ctx, model.RoutingEvent{
		ID:         uuid.NewString(),
		EventType:  "workflow_transition",
		InstanceID: inst.InstanceID,
		Result: map[string]any{
			"workflow_id": inst.WorkflowID,
			"transition":  transitionName,
			"from":        from,
			"to":          to,
			"status":      inst.Status,
		},
		Success:   true,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("transition event publication failed",
			zap.String("instance_id", inst.InstanceID),
			zap.Error(err),
		)
	}
}

// offersTransition reports whether a state lists the transition as
// available.
func offersTransition(state model.State, name string) bool {
	for _, t := range state.AvailableTransitions {
		if t == name {
			return true
		}
	}
	return false
}

// selectTransition finds the named transition from a state, picking the
// lowest priority number on a name collision.
func selectTransition(wf model.WorkflowDefinition, from, name string) *model.Transition {
	var best *model.Transition
	for i := range wf.Transitions {
		t := &wf.Transitions[i]
		if t.Name != name || t.From != from {
			continue
		}
		if best == nil || t.Priority < best.Priority {
			best = t
		}
	}
	return best
}

// resolveTarget applies conditional routing to pick the target state.
// Predicate keys are simple comparisons against context data, either
// "field == value" or "field != value". Predicates are expected to be
// mutually exclusive; when none match, the static target applies.
func resolveTarget(t *model.Transition, contextData map[string]any) string {
	for predicate, state := range t.ConditionalRouting {
		if evaluatePredicate(predicate, contextData) {
			return state
		}
	}
	return t.To
}

// evaluatePredicate evaluates a conditional routing key. Unparseable
// predicates never match.
func evaluatePredicate(predicate string, contextData map[string]any) bool {
	if field, expected, found := strings.Cut(predicate, "!="); found {
		actual := condition.NavigatePath(contextData, strings.TrimSpace(field))
		return fmt.Sprint(actual) != trimQuotes(strings.TrimSpace(expected))
	}
	if field, expected, found := strings.Cut(predicate, "=="); found {
		actual := condition.NavigatePath(contextData, strings.TrimSpace(field))
		return fmt.Sprint(actual) == trimQuotes(strings.TrimSpace(expected))
	}
	return false
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}
