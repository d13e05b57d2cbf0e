// Package reasoning implements the reasoning stage body: it truncates the
// accumulated context to a token budget and calls a model-inference
// endpoint for the answer, mirroring the teacher's ModelInferencePlugin but
// adding the prompt-token budgeting that plugin never did.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
)

// Agent calls a model-inference endpoint, truncating the prompt to
// tokenBudget tokens (counted with the cl100k_base encoding) before sending.
type Agent struct {
	client       *http.Client
	inferenceURL string
	tokenBudget  int
	encoding     *tiktoken.Tiktoken
	tracer       trace.Tracer
}

// New builds a reasoning Agent targeting inferenceURL's /v1/inference
// endpoint, truncating prompts to tokenBudget tokens.
func New(inferenceURL string, tokenBudget int) (*Agent, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Internal, "reasoning.New", "load tiktoken encoding", err)
	}
	return &Agent{
		client:       &http.Client{Timeout: 60 * time.Second},
		inferenceURL: inferenceURL,
		tokenBudget:  tokenBudget,
		encoding:     enc,
		tracer:       otel.Tracer("agent-reasoning"),
	}, nil
}

type inferenceRequest struct {
	Prompt string `json:"prompt"`
}

type inferenceResponse struct {
	Completion string `json:"completion"`
}

// Body adapts Agent.Reason into an agentruntime.StageBody.
func (a *Agent) Body(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error) {
	answer, err := a.Reason(ctx, msg.TaskID, msg.Query, msg.ContextSnapshot)
	if err != nil {
		return mcptask.StageResult{}, err
	}
	return mcptask.StageResult{ContextDelta: answer}, nil
}

// Reason truncates prompt context to the token budget and calls the
// inference endpoint, returning the generated completion text.
func (a *Agent) Reason(ctx context.Context, taskID, query, accumulatedContext string) (string, error) {
	ctx, span := a.tracer.Start(ctx, "reasoning.infer",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	prompt := a.buildPrompt(query, accumulatedContext)
	span.SetAttributes(attribute.Int("prompt_tokens", len(a.encoding.Encode(prompt, nil, nil))))

	body, err := json.Marshal(inferenceRequest{Prompt: prompt})
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.Internal, "reasoning.Reason", "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.inferenceURL+"/v1/inference", bytes.NewReader(body))
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.Internal, "reasoning.Reason", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", taskID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		return "", mcperrors.StageFailure("reasoning.Reason", fmt.Errorf("inference request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", mcperrors.Wrap(mcperrors.Internal, "reasoning.Reason", "read response", err)
	}
	if resp.StatusCode >= 400 {
		return "", mcperrors.StageFailure("reasoning.Reason", fmt.Errorf("inference %d: %s", resp.StatusCode, raw))
	}

	var out inferenceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", mcperrors.Wrap(mcperrors.Internal, "reasoning.Reason", "decode response", err)
	}
	return out.Completion, nil
}

// buildPrompt concatenates query and context, truncating the context from
// the front (keeping the most recent stage output) once the combined token
// count exceeds the configured budget.
func (a *Agent) buildPrompt(query, accumulatedContext string) string {
	prompt := query + "\n\n" + accumulatedContext
	tokens := a.encoding.Encode(prompt, nil, nil)
	if len(tokens) <= a.tokenBudget {
		return prompt
	}

	queryTokens := a.encoding.Encode(query+"\n\n", nil, nil)
	budget := a.tokenBudget - len(queryTokens)
	if budget <= 0 {
		return a.encoding.Decode(tokens[:a.tokenBudget])
	}
	contextTokens := a.encoding.Encode(accumulatedContext, nil, nil)
	kept := contextTokens[len(contextTokens)-budget:]
	return query + "\n\n" + a.encoding.Decode(kept)
}
