// Package moderation implements the moderation stage body: it scores the
// accumulated context against a compiled rego policy and asks the
// coordinator for exactly one reasoning retry when the score is borderline,
// mirroring policy-service's opa_engine.go Evaluate pattern but returning a
// numeric score instead of a bare allow/deny.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
)

// defaultPolicy scores accumulated context on a simple blocklist-hit basis.
// A real deployment would load this from the policy archive; it's compiled
// in directly here since no such loader exists yet.
const defaultPolicy = `package moderation

blocklist := ["build a bomb", "credit card dump", "kill everyone"]

hit_count = count([1 |
	term := blocklist[_]
	contains(input.text, term)
])

score = (hit_count * 0.4) + input.retrieval_low_confidence_penalty

decision = {"score": score, "blocked": score >= input.block_threshold}
`

// borderlineRatio marks the fraction of block_threshold above which a
// passing score still triggers a single reasoning retry.
const borderlineRatio = 0.75

// Agent evaluates accumulated context against a compiled rego scoring
// policy, blocking content above blockThreshold and asking for a reasoning
// retry in the borderline band below it.
type Agent struct {
	query          rego.PreparedEvalQuery
	blockThreshold float64
	tracer         trace.Tracer
}

// New compiles the moderation policy and builds an Agent that blocks
// content scoring at or above blockThreshold.
func New(ctx context.Context, blockThreshold float64) (*Agent, error) {
	prepared, err := rego.New(
		rego.Query("data.moderation.decision"),
		rego.Module("moderation.rego", defaultPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Internal, "moderation.New", "compile policy", err)
	}
	return &Agent{
		query:          prepared,
		blockThreshold: blockThreshold,
		tracer:         otel.Tracer("agent-moderation"),
	}, nil
}

// Body adapts Agent.Score into an agentruntime.StageBody: a blocked score
// fails the stage, a borderline score requests one reasoning retry via
// StageResult.RetryReasoning.
func (a *Agent) Body(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error) {
	score, blocked, err := a.Score(ctx, msg.TaskID, msg.ContextSnapshot)
	if err != nil {
		return mcptask.StageResult{}, err
	}
	if blocked {
		return mcptask.StageResult{}, mcperrors.StageFailure("moderation.Body",
			fmt.Errorf("content blocked: score %.2f at or above threshold %.2f", score, a.blockThreshold))
	}

	borderline := score >= a.blockThreshold*borderlineRatio
	return mcptask.StageResult{RetryReasoning: borderline}, nil
}

// Score evaluates the compiled policy against accumulated context, returning
// the numeric score and whether it crosses blockThreshold.
func (a *Agent) Score(ctx context.Context, taskID, accumulatedContext string) (float64, bool, error) {
	ctx, span := a.tracer.Start(ctx, "moderation.score",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	input := map[string]any{
		"text":                             strings.ToLower(accumulatedContext),
		"block_threshold":                  a.blockThreshold,
		"retrieval_low_confidence_penalty": 0.0,
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return 0, false, mcperrors.Wrap(mcperrors.Internal, "moderation.Score", "evaluate policy", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return 0, false, mcperrors.New(mcperrors.Internal, "moderation.Score",
			fmt.Errorf("policy produced no decision"))
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return 0, false, mcperrors.New(mcperrors.Internal, "moderation.Score",
			fmt.Errorf("unexpected decision shape: %T", results[0].Expressions[0].Value))
	}

	var score float64
	switch v := decision["score"].(type) {
	case json.Number:
		score, _ = v.Float64()
	case float64:
		score = v
	}
	blocked, _ := decision["blocked"].(bool)
	span.SetAttributes(attribute.Float64("score", score), attribute.Bool("blocked", blocked))
	return score, blocked, nil
}
