// Package retrieval implements the retrieval stage body: a circuit-broken
// HTTP call to the vector index, turned into RetrievalHit deltas.
package retrieval

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

// Agent calls a vector index's search endpoint, breaking the circuit on
// sustained failure rather than letting every task pile onto a dead index.
type Agent struct {
	client  *http.Client
	baseURL string
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
	topK    int
}

// New builds a retrieval Agent targeting baseURL's /v1/search endpoint.
func New(baseURL string, topK int) *Agent {
	return &Agent{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		tracer:  otel.Tracer("agent-retrieval"),
		topK:    topK,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchHit struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Snippet  string            `json:"snippet"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type searchResponse struct {
	Hits []searchHit `json:"hits"`
}

// Body adapts Agent.Search into an agentruntime.StageBody. Retrieval failure
// is non-fatal for the task: a dead or circuit-open vector index yields zero
// hits instead of failing the whole pipeline.
func (a *Agent) Body(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error) {
	hits, err := a.Search(ctx, msg.TaskID, msg.Query)
	if err != nil {
		slog.Warn("retrieval search failed, proceeding with zero hits", "task_id", msg.TaskID, "error", err)
		return mcptask.StageResult{}, nil
	}
	return mcptask.StageResult{RetrievalHitsDelta: hits}, nil
}

// Search queries the vector index, translating hits into RetrievalHits.
func (a *Agent) Search(ctx context.Context, taskID, query string) ([]mcptask.RetrievalHit, error) {
	ctx, span := a.tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	if !a.breaker.Allow() {
		return nil, mcperrors.BrokerDown("retrieval.Search", fmt.Errorf("vector index circuit open"))
	}

	body, err := json.Marshal(searchRequest{Query: query, TopK: a.topK})
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "retrieval.Search", "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "retrieval.Search", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", taskID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.StageFailure("retrieval.Search", fmt.Errorf("search request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "retrieval.Search", "read response", err)
	}

	if resp.StatusCode >= 400 {
		a.breaker.RecordResult(false)
		return nil, mcperrors.StageFailure("retrieval.Search", fmt.Errorf("search %d: %s", resp.StatusCode, raw))
	}

	var out searchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		a.breaker.RecordResult(false)
		return nil, mcperrors.Wrap(mcperrors.Internal, "retrieval.Search", "decode response", err)
	}
	a.breaker.RecordResult(true)

	hits := make([]mcptask.RetrievalHit, 0, len(out.Hits))
	for _, h := range out.Hits {
		hits = append(hits, mcptask.RetrievalHit{ID: h.ID, Score: h.Score, Snippet: h.Snippet, Metadata: h.Metadata})
	}
	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	return hits, nil
}
