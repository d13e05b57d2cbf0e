// Package dagtemplate holds named DAG stage lists and the intent-based
// selection logic the coordinator uses to pick a plan at task creation.
package dagtemplate

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/mcp/internal/mcperrors"
)

// Template is a named, ordered stage list with an optional selection rule
// evaluated against intent-analysis signals.
type Template struct {
	Name   string
	Stages []string

	// SelectionRule is a rego policy body (no package/import header) that
	// decides `allow` from `input`. Empty means "never auto-selected";
	// it can still be chosen explicitly by name.
	SelectionRule string

	query *rego.PreparedEvalQuery
}

// Registry holds the set of known templates. cmd/coordinator fills it once
// at startup (defaults, then templates persisted in the archive); nothing
// reloads it while the process runs.
type Registry struct {
	mu              sync.RWMutex
	templates       map[string]*Template
	order           []string
	defaultTemplate string
}

// NewRegistry constructs an empty registry with the given fallback template
// name (spec.md §6's default_template).
func NewRegistry(defaultTemplate string) *Registry {
	return &Registry{
		templates:       make(map[string]*Template),
		defaultTemplate: defaultTemplate,
	}
}

// Register compiles t's selection rule (if any) and adds it to the registry
// in declaration order, which governs Choose's tie-break.
func (r *Registry) Register(ctx context.Context, t Template) error {
	if t.SelectionRule != "" {
		module := fmt.Sprintf("package dagtemplate\n\n%s", t.SelectionRule)
		prepared, err := rego.New(
			rego.Query("data.dagtemplate.allow"),
			rego.Module(t.Name+".rego", module),
		).PrepareForEval(ctx)
		if err != nil {
			return mcperrors.Wrap(mcperrors.Internal, "dagtemplate.Register", "compile selection rule", err)
		}
		t.query = &prepared
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	stored := t
	r.templates[t.Name] = &stored
	return nil
}

// Get returns the named template, or NotFound.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, mcperrors.NotFoundErr("dagtemplate.Get", fmt.Errorf("template %q not registered", name))
	}
	return t, nil
}

// List returns templates in declaration order.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.templates[name])
	}
	return out
}

// Choose evaluates each registered template's selection rule in declaration
// order against intentSignals, returning the first match. Falls back to the
// registry's default template when nothing matches.
func (r *Registry) Choose(ctx context.Context, intentSignals map[string]any) (*Template, error) {
	r.mu.RLock()
	order := append([]string{}, r.order...)
	r.mu.RUnlock()

	for _, name := range order {
		r.mu.RLock()
		t := r.templates[name]
		r.mu.RUnlock()
		if t.query == nil {
			continue
		}
		results, err := t.query.Eval(ctx, rego.EvalInput(intentSignals))
		if err != nil {
			continue
		}
		if decisionAllows(results) {
			return t, nil
		}
	}
	return r.Get(r.defaultTemplate)
}

func decisionAllows(results rego.ResultSet) bool {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	return ok && allow
}
