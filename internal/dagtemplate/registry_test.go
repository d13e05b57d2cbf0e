package dagtemplate

import (
	"context"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry("standard")
	if err := RegisterDefaults(context.Background(), r); err != nil {
		t.Fatalf("RegisterDefaults failed: %v", err)
	}
	return r
}

func TestGetKnownTemplate(t *testing.T) {
	r := newTestRegistry(t)
	tpl, err := r.Get("standard")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tpl.Stages) == 0 {
		t.Fatalf("expected standard template to have stages")
	}
}

func TestGetUnknownTemplateIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("does_not_exist"); err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestChooseMinimalLookupForTrivialIntent(t *testing.T) {
	r := newTestRegistry(t)
	tpl, err := r.Choose(context.Background(), map[string]any{"complexity": "trivial"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Name != "minimal_lookup" {
		t.Fatalf("expected minimal_lookup, got %s", tpl.Name)
	}
}

func TestChooseWebAugmentedWhenSignalPresent(t *testing.T) {
	r := newTestRegistry(t)
	tpl, err := r.Choose(context.Background(), map[string]any{"needs_web_signal": true, "complexity": "medium"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Name != "web_augmented" {
		t.Fatalf("expected web_augmented, got %s", tpl.Name)
	}
}

func TestChooseFallsBackToDefault(t *testing.T) {
	r := newTestRegistry(t)
	tpl, err := r.Choose(context.Background(), map[string]any{"complexity": "medium"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Name != "standard" {
		t.Fatalf("expected fallback to standard, got %s", tpl.Name)
	}
}

func TestListPreservesDeclarationOrder(t *testing.T) {
	r := newTestRegistry(t)
	names := make([]string, 0)
	for _, tpl := range r.List() {
		names = append(names, tpl.Name)
	}
	want := []string{"minimal_lookup", "web_augmented", "reasoning_heavy", "standard"}
	if len(names) != len(want) {
		t.Fatalf("expected %d templates, got %d", len(want), len(names))
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("expected order[%d]=%s, got %s", i, n, names[i])
		}
	}
}
