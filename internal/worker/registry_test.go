package worker

import (
	"context"
	"testing"

	"github.com/fluxline/conductor/model"
)

type stubWorker struct {
	name    string
	handles map[string]bool
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) ProcessEvent(_ context.Context, eventType string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"handled_by": w.name, "event": eventType}, nil
}

func (w *stubWorker) CanHandle(eventType string) bool { return w.handles[eventType] }

func (w *stubWorker) CheckHealth(context.Context) (model.HealthStatus, error) {
	return model.HealthStatus{State: model.HealthHealthy}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	nyra := &stubWorker{name: "Nyra"}

	if err := reg.Register(nyra, "lead_processing"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&stubWorker{name: "Nyra"}); !model.HasCode(err, model.ErrConflict) {
		t.Errorf("duplicate Register error = %v, want CONFLICT", err)
	}

	got, ok := reg.Get("Nyra")
	if !ok || got.Name() != "Nyra" {
		t.Errorf("Get = %v, %v", got, ok)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get returned unregistered worker")
	}
}

func TestRegistryByCapability(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubWorker{name: "Nyra"}, "lead_processing"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&stubWorker{name: "Aria"}, "lead_processing", "scoring"); err != nil {
		t.Fatal(err)
	}

	// First registration wins.
	w, ok := reg.ByCapability("lead_processing")
	if !ok || w.Name() != "Nyra" {
		t.Errorf("ByCapability(lead_processing) = %v, %v, want Nyra", w, ok)
	}

	w, ok = reg.ByCapability("scoring")
	if !ok || w.Name() != "Aria" {
		t.Errorf("ByCapability(scoring) = %v, %v, want Aria", w, ok)
	}

	if _, ok := reg.ByCapability("unknown"); ok {
		t.Error("ByCapability matched unknown capability")
	}
}

func TestRegistryByEntity(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubWorker{name: "Solari"}); err != nil {
		t.Fatal(err)
	}

	if err := reg.AssociateEntity("clinic-17", "Solari"); err != nil {
		t.Fatalf("AssociateEntity: %v", err)
	}
	if err := reg.AssociateEntity("clinic-99", "missing"); !model.IsNotFound(err) {
		t.Errorf("associate to missing worker = %v, want NOT_FOUND", err)
	}

	w, ok := reg.ByEntity("clinic-17")
	if !ok || w.Name() != "Solari" {
		t.Errorf("ByEntity = %v, %v, want Solari", w, ok)
	}
	if _, ok := reg.ByEntity("clinic-99"); ok {
		t.Error("ByEntity matched unassociated entity")
	}
}

func TestRegistryPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"Nyra", "Solari", "Aria"} {
		if err := reg.Register(&stubWorker{name: name}); err != nil {
			t.Fatal(err)
		}
	}

	names := reg.Names()
	want := []string{"Nyra", "Solari", "Aria"}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}

	all := reg.All()
	if len(all) != 3 || all[0].Name() != "Nyra" || all[2].Name() != "Aria" {
		t.Errorf("All not in registration order: %v", all)
	}
}
