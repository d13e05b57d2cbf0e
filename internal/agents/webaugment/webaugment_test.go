package webaugment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swarmguard/mcp/internal/broker"
)

func TestSearchReturnsWebHitsTaggedAsWebSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(webSearchResponse{
			Results: []webResult{{URL: "https://example.com/a", Title: "A", Snippet: "today's news", Score: 0.8}},
		})
	}))
	defer srv.Close()

	agent := New(srv.URL, 3)
	hits, err := agent.Search(context.Background(), "task_1", "latest news")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Metadata["source"] != "web" {
		t.Fatalf("expected one web-tagged hit, got %+v", hits)
	}
}

func TestBodySwallowsSearchFailureAndReturnsEmptyAugmentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("search provider down"))
	}))
	defer srv.Close()

	agent := New(srv.URL, 3)
	result, err := agent.Body(context.Background(), broker.StageMessage{TaskID: "task_1", Query: "latest news"})
	if err != nil {
		t.Fatalf("expected web augmentation failure to be non-fatal, got error: %v", err)
	}
	if len(result.RetrievalHitsDelta) != 0 {
		t.Fatalf("expected empty augmentation on failure, got %+v", result.RetrievalHitsDelta)
	}
}
