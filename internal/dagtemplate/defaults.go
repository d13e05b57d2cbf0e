package dagtemplate

import "context"

// RegisterDefaults registers the four pre-declared templates spec.md §3
// names: a minimal lookup path, a standard answer path, a reasoning-heavy
// path, and a web-augmented path. Declaration order is the tie-break order
// Choose uses, so the most specific predicates come first.
func RegisterDefaults(ctx context.Context, r *Registry) error {
	templates := []Template{
		{
			Name:   "minimal_lookup",
			Stages: []string{"retrieval", "response_packaging"},
			SelectionRule: `allow {
	input.complexity == "trivial"
	not input.needs_web_signal
}`,
		},
		{
			Name:   "web_augmented",
			Stages: []string{"intent", "retrieval", "web_augmentation", "reasoning", "moderation", "response_packaging"},
			SelectionRule: `allow {
	input.needs_web_signal == true
}`,
		},
		{
			Name:   "reasoning_heavy",
			Stages: []string{"intent", "retrieval", "reasoning", "moderation", "reasoning", "moderation", "response_packaging"},
			SelectionRule: `allow {
	input.complexity == "high"
}`,
		},
		{
			Name:   "standard",
			Stages: []string{"intent", "retrieval", "reasoning", "moderation", "response_packaging"},
			// No selection rule: this is the registry's default fallback.
		},
	}
	for _, t := range templates {
		if err := r.Register(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
