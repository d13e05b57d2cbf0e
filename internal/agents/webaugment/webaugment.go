// Package webaugment implements the web-augmentation stage body used by the
// web_augmented template when intent analysis detects a time-sensitive
// query: a circuit-broken HTTP call to an external search provider.
package webaugment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
	"github.com/swarmguard/mcp/internal/platform/resilience"
)

// Agent calls an external web search endpoint for queries intent analysis
// flagged as needing up-to-date information.
type Agent struct {
	client  *http.Client
	baseURL string
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
	maxHits int
}

// New builds a webaugment Agent targeting baseURL's /v1/web_search endpoint.
func New(baseURL string, maxHits int) *Agent {
	return &Agent{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 15*time.Second, 3),
		tracer:  otel.Tracer("agent-webaugment"),
		maxHits: maxHits,
	}
}

type webSearchRequest struct {
	Query   string `json:"query"`
	MaxHits int    `json:"max_hits"`
}

type webResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type webSearchResponse struct {
	Results []webResult `json:"results"`
}

// Body adapts Agent.Search into an agentruntime.StageBody. A failed web
// search is non-fatal: it yields empty augmentation rather than failing the
// task.
func (a *Agent) Body(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error) {
	hits, err := a.Search(ctx, msg.TaskID, msg.Query)
	if err != nil {
		slog.Warn("web augmentation search failed, proceeding with empty augmentation", "task_id", msg.TaskID, "error", err)
		return mcptask.StageResult{}, nil
	}
	return mcptask.StageResult{RetrievalHitsDelta: hits}, nil
}

// Search queries the external web search provider.
func (a *Agent) Search(ctx context.Context, taskID, query string) ([]mcptask.RetrievalHit, error) {
	ctx, span := a.tracer.Start(ctx, "webaugment.search",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	if !a.breaker.Allow() {
		return nil, mcperrors.BrokerDown("webaugment.Search", fmt.Errorf("web search circuit open"))
	}

	body, err := json.Marshal(webSearchRequest{Query: query, MaxHits: a.maxHits})
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "webaugment.Search", "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/web_search", bytes.NewReader(body))
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "webaugment.Search", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", taskID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.StageFailure("webaugment.Search", fmt.Errorf("web search request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "webaugment.Search", "read response", err)
	}

	if resp.StatusCode >= 400 {
		a.breaker.RecordResult(false)
		return nil, mcperrors.StageFailure("webaugment.Search", fmt.Errorf("web search %d: %s", resp.StatusCode, raw))
	}

	var out webSearchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "webaugment.Search", "decode response", err)
	}
	a.breaker.RecordResult(true)

	hits := make([]mcptask.RetrievalHit, 0, len(out.Results))
	for _, r := range out.Results {
		hits = append(hits, mcptask.RetrievalHit{
			ID:      r.URL,
			Score:   r.Score,
			Snippet: r.Snippet,
			Metadata: map[string]string{
				"title":  r.Title,
				"source": "web",
			},
		})
	}
	span.SetAttributes(attribute.Int("result_count", len(hits)))
	return hits, nil
}
