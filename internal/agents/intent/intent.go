// Package intent implements the intent-analysis stage body: it classifies a
// query's complexity and web-augmentation need, then asks the DAG template
// registry which plan fits, so the coordinator can replace the placeholder
// plan via ExtendPlan.
package intent

import (
	"context"
	"strings"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/mcptask"
)

var webSignalKeywords = []string{"latest", "today", "current", "news", "price", "weather", "recent"}

// Body builds the intent stage's StageBody, closing over the shared
// template registry used at task-creation time.
func Body(registry *dagtemplate.Registry) func(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error) {
	return func(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error) {
		signals := classify(msg.Query)

		tpl, err := registry.Choose(ctx, signals)
		if err != nil {
			return mcptask.StageResult{}, err
		}

		return mcptask.StageResult{
			ContextDelta:       "",
			TemplateSuggestion: tpl.Name,
		}, nil
	}
}

// classify derives the intent signals consumed by the template registry's
// rego selection rules. Real classification would call a trained intent
// model; word-count and keyword heuristics stand in for it here.
func classify(query string) map[string]any {
	words := len(strings.Fields(query))
	complexity := "trivial"
	switch {
	case words > 40:
		complexity = "high"
	case words > 12:
		complexity = "moderate"
	}

	needsWeb := false
	lower := strings.ToLower(query)
	for _, kw := range webSignalKeywords {
		if strings.Contains(lower, kw) {
			needsWeb = true
			break
		}
	}

	return map[string]any{
		"complexity":       complexity,
		"needs_web_signal": needsWeb,
		"word_count":       words,
	}
}
