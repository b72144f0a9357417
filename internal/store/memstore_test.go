package store

import (
	"context"
	"testing"
	"time"

	"github.com/fluxline/conductor/model"
)

func newInstance(id, workflowID string) model.WorkflowInstance {
	now := time.Now().UTC()
	return model.WorkflowInstance{
		InstanceID:       id,
		WorkflowID:       workflowID,
		CurrentState:     "start",
		Status:           model.StatusActive,
		ContextData:      map[string]any{"orderValue": 1500},
		Version:          1,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := newInstance("wf-1", "orders.approval")
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Create(ctx, inst); !model.HasCode(err, model.ErrConflict) {
		t.Errorf("duplicate Create error = %v, want CONFLICT", err)
	}

	got, err := s.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentState != "start" || got.Version != 1 {
		t.Errorf("Get = %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !model.IsNotFound(err) {
		t.Errorf("Get missing error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStoreSaveCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := newInstance("wf-1", "orders.approval")
	if err := s.Create(ctx, inst); err != nil {
		t.Fatal(err)
	}

	inst.CurrentState = "processing"
	if err := s.Save(ctx, inst, 1); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _ := s.Get(ctx, "wf-1")
	if got.Version != 2 {
		t.Errorf("version after save = %d, want 2", got.Version)
	}
	if got.CurrentState != "processing" {
		t.Errorf("state after save = %q", got.CurrentState)
	}

	// A second writer still holding version 1 loses.
	stale := newInstance("wf-1", "orders.approval")
	stale.CurrentState = "approved"
	err := s.Save(ctx, stale, 1)
	if !model.IsVersionConflict(err) {
		t.Errorf("stale Save error = %v, want VERSION_CONFLICT", err)
	}

	got, _ = s.Get(ctx, "wf-1")
	if got.CurrentState != "processing" || got.Version != 2 {
		t.Errorf("losing writer mutated instance: %+v", got)
	}

	if err := s.Save(ctx, newInstance("missing", "x"), 1); !model.IsNotFound(err) {
		t.Errorf("Save missing error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := newInstance("wf-1", "orders.approval")
	if err := s.Create(ctx, inst); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not leak into the store.
	inst.ContextData["orderValue"] = 9999

	got, _ := s.Get(ctx, "wf-1")
	if got.ContextData["orderValue"] != 1500 {
		t.Errorf("stored context aliased caller map: %v", got.ContextData)
	}

	// Mutating a returned copy must not leak either.
	got.ContextData["orderValue"] = 7
	again, _ := s.Get(ctx, "wf-1")
	if again.ContextData["orderValue"] != 1500 {
		t.Errorf("returned context aliased stored map: %v", again.ContextData)
	}
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Now().UTC()
	for i, id := range []string{"wf-1", "wf-2", "wf-3"} {
		inst := newInstance(id, "orders.approval")
		inst.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if id == "wf-3" {
			inst.Status = model.StatusCompleted
		}
		if err := s.Create(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, model.InstanceFilters{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List = %d instances, want 3", len(all))
	}
	if all[0].InstanceID != "wf-3" {
		t.Errorf("List not newest first: %v", all)
	}

	active, err := s.List(ctx, model.InstanceFilters{Status: model.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("active filter = %d, want 2", len(active))
	}

	page, err := s.List(ctx, model.InstanceFilters{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].InstanceID != "wf-2" {
		t.Errorf("pagination = %v", page)
	}
}

func TestMemoryStoreFindExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	expired := newInstance("wf-expired", "orders.approval")
	past := now.Add(-time.Hour)
	expired.ExpiresAt = &past

	fresh := newInstance("wf-fresh", "orders.approval")
	future := now.Add(time.Hour)
	fresh.ExpiresAt = &future

	done := newInstance("wf-done", "orders.approval")
	done.Status = model.StatusCompleted
	done.ExpiresAt = &past

	for _, inst := range []model.WorkflowInstance{expired, fresh, done} {
		if err := s.Create(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindExpired(ctx, now)
	if err != nil {
		t.Fatalf("FindExpired: %v", err)
	}
	if len(got) != 1 || got[0].InstanceID != "wf-expired" {
		t.Errorf("FindExpired = %v", got)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, newInstance("wf-1", "orders.approval")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "wf-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "wf-1"); !model.IsNotFound(err) {
		t.Errorf("Get after delete = %v, want NOT_FOUND", err)
	}
	if err := s.Delete(ctx, "wf-1"); !model.IsNotFound(err) {
		t.Errorf("second Delete = %v, want NOT_FOUND", err)
	}
}
