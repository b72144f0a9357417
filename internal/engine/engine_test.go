package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/fluxline/conductor/internal/definition"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/store"
	"github.com/fluxline/conductor/model"
)

func approvalWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:           "orders.approval",
		InitialState: "start",
		States: map[string]model.State{
			"start": {
				Name:                 "start",
				AvailableTransitions: []string{"to_processing"},
			},
			"processing": {
				Name:                 "processing",
				AvailableTransitions: []string{"approve", "reject"},
			},
			"approved": {
				Name:       "approved",
				IsTerminal: true,
			},
			"rejected": {
				Name:       "rejected",
				IsTerminal: true,
			},
		},
		Transitions: []model.Transition{
			{Name: "to_processing", From: "start", To: "processing"},
			{
				Name: "approve",
				From: "processing",
				To:   "approved",
				ConditionGroups: []model.ConditionGroup{{
					Operator: model.GroupAND,
					Conditions: []model.Condition{{
						FieldPath: "orderValue",
						Operator:  model.OpGT,
						Expected:  1000,
					}},
				}},
				RetryCount: 2,
				RetryDelay: model.Duration(time.Second),
			},
			{Name: "reject", From: "processing", To: "rejected"},
		},
	}
}

type stubActions struct {
	mu   sync.Mutex
	runs []string
	fail map[string]error
}

func (a *stubActions) Run(_ context.Context, name string, inst *model.WorkflowInstance) error {
	a.mu.Lock()
	a.runs = append(a.runs, name)
	a.mu.Unlock()
	if err, ok := a.fail[name]; ok {
		return err
	}
	if inst.ContextData != nil {
		inst.ContextData["_last_action"] = name
	}
	return nil
}

func (a *stubActions) ran() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.runs...)
}

func newEngine(t *testing.T, workflows ...model.WorkflowDefinition) (*Engine, *store.MemoryStore, *stubActions) {
	t.Helper()
	if len(workflows) == 0 {
		workflows = []model.WorkflowDefinition{approvalWorkflow()}
	}
	reg := definition.NewRegistry(definition.Bundle{Workflows: workflows})
	st := store.NewMemoryStore()
	actions := &stubActions{fail: map[string]error{}}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	eng := New(reg, st, actions, nil, metrics, zaptest.NewLogger(t))
	return eng, st, actions
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", map[string]any{"orderValue": 500})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.CurrentState != "start" || inst.Status != model.StatusActive {
		t.Errorf("instance = %+v", inst)
	}
	if inst.Version != 1 {
		t.Errorf("version = %d, want 1", inst.Version)
	}
	if len(inst.HistoryLog) != 1 {
		t.Errorf("history = %v", inst.HistoryLog)
	}

	stored, err := st.Get(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("instance not persisted: %v", err)
	}
	if stored.ContextData["orderValue"] != 500 {
		t.Errorf("context = %v", stored.ContextData)
	}

	if _, err := eng.Start(ctx, "missing", nil); !model.IsNotFound(err) {
		t.Errorf("Start unknown workflow = %v, want NOT_FOUND", err)
	}
}

func TestExecuteConditionGate(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", map[string]any{"orderValue": 500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0); err != nil {
		t.Fatalf("to_processing: %v", err)
	}

	// orderValue 500 does not clear the > 1000 gate.
	result, err := eng.Execute(ctx, inst.InstanceID, "approve", "user-1", nil, 0)
	if !model.HasCode(err, model.ErrConditionNotMet) {
		t.Fatalf("approve error = %v, want CONDITION_NOT_MET", err)
	}
	if result.RetryRecommended {
		t.Error("condition failures must not recommend retry")
	}

	// Raise the value and retry: the transition commits and the terminal
	// target completes the workflow.
	result, err = eng.Execute(ctx, inst.InstanceID, "approve", "user-1", map[string]any{"orderValue": 1500}, 0)
	if err != nil {
		t.Fatalf("approve with 1500: %v", err)
	}
	if !result.Success || result.ToState != "approved" {
		t.Errorf("result = %+v", result)
	}

	final, err := eng.Get(ctx, inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if final.CurrentState != "approved" || final.Status != model.StatusCompleted {
		t.Errorf("final = state %q status %q", final.CurrentState, final.Status)
	}
}

func TestExecuteInvalidTransition(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}

	// "approve" is offered from processing, not from start.
	_, err = eng.Execute(ctx, inst.InstanceID, "approve", "user-1", nil, 0)
	if !model.HasCode(err, model.ErrInvalidTransition) {
		t.Errorf("error = %v, want INVALID_TRANSITION", err)
	}

	_, err = eng.Execute(ctx, "missing", "approve", "user-1", nil, 0)
	if !model.IsNotFound(err) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestExecuteConcurrentSingleCommit(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Two racing writers against the same loaded version: exactly one
	// commits, the loser sees a version conflict.
	loaded, err := st.Get(ctx, inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}

	first := loaded
	first.CurrentState = "processing"
	if err := st.Save(ctx, first, loaded.Version); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := loaded
	second.CurrentState = "processing"
	err = st.Save(ctx, second, loaded.Version)
	if !model.IsVersionConflict(err) {
		t.Fatalf("second save = %v, want VERSION_CONFLICT", err)
	}

	final, _ := st.Get(ctx, inst.InstanceID)
	if final.Version != loaded.Version+1 {
		t.Errorf("version = %d, want exactly one increment", final.Version)
	}
}

func TestExecuteVersionConflictRecommendsRetry(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", map[string]any{"orderValue": 1500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0); err != nil {
		t.Fatal(err)
	}

	// Bump the stored version behind the engine's back so its save
	// conflicts.
	conflicted := &conflictOnceStore{Store: st}
	eng.store = conflicted

	result, err := eng.Execute(ctx, inst.InstanceID, "approve", "user-1", nil, 0)
	if !model.IsVersionConflict(err) {
		t.Fatalf("error = %v, want VERSION_CONFLICT", err)
	}
	if !result.RetryRecommended {
		t.Error("version conflict should recommend retry")
	}
	if result.RetryAfter != time.Second {
		t.Errorf("retry after = %v, want 1s (no backoff on attempt 0)", result.RetryAfter)
	}

	// Retry at the next attempt succeeds.
	result, err = eng.Execute(ctx, inst.InstanceID, "approve", "user-1", nil, 1)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !result.Success || result.Attempt != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", map[string]any{"orderValue": 1500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0); err != nil {
		t.Fatal(err)
	}

	eng.store = &alwaysConflictStore{Store: st}

	// retryCount = 2: attempts 0 and 1 recommend retry, attempt 2 is the
	// third and final one.
	for attempt := 0; attempt < 2; attempt++ {
		result, err := eng.Execute(ctx, inst.InstanceID, "approve", "user-1", nil, attempt)
		if !model.IsVersionConflict(err) {
			t.Fatalf("attempt %d error = %v, want VERSION_CONFLICT", attempt, err)
		}
		if !result.RetryRecommended {
			t.Fatalf("attempt %d should recommend retry", attempt)
		}
	}

	result, err := eng.Execute(ctx, inst.InstanceID, "approve", "user-1", nil, 2)
	if !model.HasCode(err, model.ErrRetriesExhausted) {
		t.Fatalf("final error = %v, want RETRIES_EXHAUSTED", err)
	}
	if result.RetryRecommended {
		t.Error("exhausted retries must not recommend another attempt")
	}
}

func TestBackoffSchedule(t *testing.T) {
	transition := &model.Transition{
		Name:               "approve",
		RetryCount:         5,
		RetryDelay:         model.Duration(2 * time.Second),
		ExponentialBackoff: true,
	}
	eng, _, _ := newEngine(t)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for attempt, expected := range want {
		result, _ := eng.retryable(model.TransitionResult{Attempt: attempt}, transition, attempt,
			model.NewTimeoutError("slow"), "orders.approval", "approve")
		if result.RetryAfter != expected {
			t.Errorf("attempt %d delay = %v, want %v", attempt, result.RetryAfter, expected)
		}
	}

	// Linear policy keeps the delay flat.
	transition.ExponentialBackoff = false
	result, _ := eng.retryable(model.TransitionResult{Attempt: 3}, transition, 3,
		model.NewTimeoutError("slow"), "orders.approval", "approve")
	if result.RetryAfter != 2*time.Second {
		t.Errorf("linear delay = %v, want 2s", result.RetryAfter)
	}
}

func TestPreActionFailureAbortsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	wf := approvalWorkflow()
	wf.Transitions[0].PreActions = []string{"reserve_inventory"}
	eng, st, actions := newEngine(t, wf)
	actions.fail["reserve_inventory"] = errors.New("inventory down")

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0)
	if err == nil {
		t.Fatal("expected pre-action failure")
	}

	stored, _ := st.Get(ctx, inst.InstanceID)
	if stored.CurrentState != "start" || stored.Version != 1 {
		t.Errorf("instance mutated despite aborted transition: %+v", stored)
	}
	if len(stored.HistoryLog) != 1 {
		t.Errorf("history grew on aborted transition: %v", stored.HistoryLog)
	}
}

func TestPostActionFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	wf := approvalWorkflow()
	wf.Transitions[0].PostActions = []string{"notify"}
	eng, st, actions := newEngine(t, wf)
	actions.fail["notify"] = errors.New("notifier down")

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}

	result, err := eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v", result)
	}

	stored, _ := st.Get(ctx, inst.InstanceID)
	if stored.CurrentState != "processing" {
		t.Errorf("committed state rolled back: %q", stored.CurrentState)
	}
}

func TestConditionalRoutingOverridesTarget(t *testing.T) {
	ctx := context.Background()
	wf := approvalWorkflow()
	wf.Transitions[0].ConditionalRouting = map[string]string{
		"priority == high": "approved",
	}
	eng, _, _ := newEngine(t, wf)

	inst, err := eng.Start(ctx, "orders.approval", map[string]any{"priority": "high"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ToState != "approved" {
		t.Errorf("routed to %q, want approved", result.ToState)
	}

	// Without the matching predicate the static target applies.
	inst2, _ := eng.Start(ctx, "orders.approval", map[string]any{"priority": "low"})
	result, err = eng.Execute(ctx, inst2.InstanceID, "to_processing", "user-1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.ToState != "processing" {
		t.Errorf("routed to %q, want processing", result.ToState)
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", map[string]any{"orderValue": 1500})
	if err != nil {
		t.Fatal(err)
	}

	lengths := []int{len(inst.HistoryLog)}
	for _, transition := range []string{"to_processing", "approve"} {
		if _, err := eng.Execute(ctx, inst.InstanceID, transition, "user-1", nil, 0); err != nil {
			t.Fatalf("%s: %v", transition, err)
		}
		current, _ := eng.Get(ctx, inst.InstanceID)
		lengths = append(lengths, len(current.HistoryLog))
	}

	for i := 1; i < len(lengths); i++ {
		if lengths[i] <= lengths[i-1] {
			t.Fatalf("history length not strictly growing: %v", lengths)
		}
	}

	// Replaying the log reconstructs the state sequence.
	final, _ := eng.Get(ctx, inst.InstanceID)
	wantStates := []string{"start", "processing", "approved"}
	for i, entry := range final.HistoryLog {
		if entry.ToState != wantStates[i] {
			t.Errorf("history[%d].to = %q, want %q", i, entry.ToState, wantStates[i])
		}
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Cancel(ctx, inst.InstanceID, "user-1", "customer withdrew"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	stored, _ := eng.Get(ctx, inst.InstanceID)
	if stored.Status != model.StatusCancelled {
		t.Errorf("status = %q", stored.Status)
	}

	// A cancelled instance accepts no further transitions or cancels.
	if _, err := eng.Execute(ctx, inst.InstanceID, "to_processing", "user-1", nil, 0); !model.HasCode(err, model.ErrWorkflowNotActive) {
		t.Errorf("Execute after cancel = %v, want WORKFLOW_NOT_ACTIVE", err)
	}
	if err := eng.Cancel(ctx, inst.InstanceID, "user-1", "again"); !model.HasCode(err, model.ErrWorkflowNotActive) {
		t.Errorf("second Cancel = %v, want WORKFLOW_NOT_ACTIVE", err)
	}
}

func TestProcessTimeouts(t *testing.T) {
	ctx := context.Background()
	wf := approvalWorkflow()
	wf.Timeout = model.Duration(time.Millisecond)
	wf.OnTimeout = "rejected"
	eng, _, _ := newEngine(t, wf)

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := eng.ProcessTimeouts(ctx); err != nil {
		t.Fatalf("ProcessTimeouts: %v", err)
	}

	stored, _ := eng.Get(ctx, inst.InstanceID)
	if stored.CurrentState != "rejected" || stored.Status != model.StatusCompleted {
		t.Errorf("after timeout: state %q status %q", stored.CurrentState, stored.Status)
	}
}

func TestProcessTimeoutsNoHandlerFails(t *testing.T) {
	ctx := context.Background()
	wf := approvalWorkflow()
	wf.Timeout = model.Duration(time.Millisecond)
	eng, _, _ := newEngine(t, wf)

	inst, err := eng.Start(ctx, "orders.approval", nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := eng.ProcessTimeouts(ctx); err != nil {
		t.Fatal(err)
	}

	stored, _ := eng.Get(ctx, inst.InstanceID)
	if stored.Status != model.StatusFailed {
		t.Errorf("status = %q, want failed", stored.Status)
	}
}

// conflictOnceStore fails the first Save with a version conflict, then
// delegates.
type conflictOnceStore struct {
	store.Store
	mu       sync.Mutex
	conflict bool
}

func (s *conflictOnceStore) Save(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) error {
	s.mu.Lock()
	first := !s.conflict
	s.conflict = true
	s.mu.Unlock()
	if first {
		return model.NewVersionConflictError("concurrent writer won")
	}
	return s.Store.Save(ctx, inst, expectedVersion)
}

// alwaysConflictStore fails every Save with a version conflict.
type alwaysConflictStore struct {
	store.Store
}

func (s *alwaysConflictStore) Save(context.Context, model.WorkflowInstance, int) error {
	return model.NewVersionConflictError("concurrent writer won")
}
