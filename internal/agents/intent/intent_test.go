package intent

import (
	"context"
	"testing"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/dagtemplate"
)

func newTestRegistry(t *testing.T) *dagtemplate.Registry {
	t.Helper()
	ctx := context.Background()
	reg := dagtemplate.NewRegistry("standard")
	templates := []dagtemplate.Template{
		{Name: "minimal_lookup", Stages: []string{"retrieval", "response_packaging"},
			SelectionRule: `allow { input.complexity == "trivial"; not input.needs_web_signal }`},
		{Name: "web_augmented", Stages: []string{"webaugment", "reasoning", "response_packaging"},
			SelectionRule: `allow { input.needs_web_signal == true }`},
		{Name: "standard", Stages: []string{"retrieval", "reasoning", "moderation", "response_packaging"}},
	}
	for _, tpl := range templates {
		if err := reg.Register(ctx, tpl); err != nil {
			t.Fatalf("register %s: %v", tpl.Name, err)
		}
	}
	return reg
}

func TestBodySuggestsWebAugmentedForTimeSensitiveQuery(t *testing.T) {
	body := Body(newTestRegistry(t))
	result, err := body(context.Background(), broker.StageMessage{TaskID: "t1", Query: "what is the latest stock price"})
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if result.TemplateSuggestion != "web_augmented" {
		t.Fatalf("expected web_augmented, got %s", result.TemplateSuggestion)
	}
}

func TestBodySuggestsMinimalLookupForShortQuery(t *testing.T) {
	body := Body(newTestRegistry(t))
	result, err := body(context.Background(), broker.StageMessage{TaskID: "t2", Query: "capital of france"})
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if result.TemplateSuggestion != "minimal_lookup" {
		t.Fatalf("expected minimal_lookup, got %s", result.TemplateSuggestion)
	}
}

func TestBodyFallsBackToDefaultForModerateQuery(t *testing.T) {
	body := Body(newTestRegistry(t))
	result, err := body(context.Background(), broker.StageMessage{
		TaskID: "t3",
		Query:  "explain how transformer attention mechanisms handle very long input sequences in practice for production systems",
	})
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if result.TemplateSuggestion != "standard" {
		t.Fatalf("expected standard fallback, got %s", result.TemplateSuggestion)
	}
}
