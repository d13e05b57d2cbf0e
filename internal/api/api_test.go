package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/coordinator"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
	"github.com/swarmguard/mcp/internal/platform/config"
	"github.com/swarmguard/mcp/internal/store/kv"
)

// autoSucceedBroker answers every dispatched stage with an immediate empty
// StageResult, so a created task races through its whole plan almost
// instantly — enough to exercise the HTTP surface without a real NATS or
// agent process.
type autoSucceedBroker struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newAutoSucceedBroker() *autoSucceedBroker {
	return &autoSucceedBroker{subs: make(map[string][]chan []byte)}
}

func (b *autoSucceedBroker) PublishStage(ctx context.Context, stage string, msg broker.StageMessage) error {
	go func() {
		_ = b.PublishEvent(ctx, broker.CompleteChannel(msg.TaskID, stage), mcptask.StageResult{})
	}()
	return nil
}

func (b *autoSucceedBroker) PublishEvent(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	chans := b.subs[channel]
	delete(b.subs, channel)
	b.mu.Unlock()
	for _, ch := range chans {
		ch <- data
	}
	return nil
}

func (b *autoSucceedBroker) AwaitEvent(ctx context.Context, channel string, match broker.MatchFunc, timeout time.Duration) (func(context.Context) ([]byte, error), error) {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	wait := func(ctx context.Context) ([]byte, error) {
		select {
		case data := <-ch:
			return data, nil
		case <-ctx.Done():
			return nil, mcperrors.AbortedErr("autoSucceedBroker.AwaitEvent", ctx.Err())
		case <-time.After(timeout):
			return nil, mcperrors.Timeout("autoSucceedBroker.AwaitEvent", context.DeadlineExceeded)
		}
	}
	return wait, nil
}

// stallBroker never answers a dispatched stage, holding every task at
// pending (its first stage never completes) until aborted or the stage
// timeout elapses.
type stallBroker struct{}

func (stallBroker) PublishStage(ctx context.Context, stage string, msg broker.StageMessage) error {
	return nil
}

func (stallBroker) PublishEvent(ctx context.Context, channel string, payload any) error {
	return nil
}

func (stallBroker) AwaitEvent(ctx context.Context, channel string, match broker.MatchFunc, timeout time.Duration) (func(context.Context) ([]byte, error), error) {
	wait := func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, mcperrors.AbortedErr("stallBroker.AwaitEvent", ctx.Err())
		case <-time.After(timeout):
			return nil, mcperrors.Timeout("stallBroker.AwaitEvent", context.DeadlineExceeded)
		}
	}
	return wait, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := dagtemplate.NewRegistry("standard")
	if err := dagtemplate.RegisterDefaults(context.Background(), registry); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}

	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 0}
	coord := coordinator.New(store, newAutoSucceedBroker(), registry, nil, cfg)
	return NewServer(coord, registry, nil)
}

func TestCreateTaskAndPollStatus(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Routes())
	defer srv.Close()

	body, _ := json.Marshal(createTaskRequest{UserID: "user-1", Query: "what is go", Template: "standard"})
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var rec mcptask.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statusResp, err := http.Get(srv.URL + "/v1/tasks/" + rec.TaskID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		var got mcptask.Record
		_ = json.NewDecoder(statusResp.Body).Decode(&got)
		statusResp.Body.Close()
		if got.Status.Terminal() {
			if got.Status != mcptask.StatusComplete {
				t.Fatalf("expected task to complete, got status %s", got.Status)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task did not reach a terminal status in time")
}

func TestCreateTaskRejectsMissingFields(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Routes())
	defer srv.Close()

	body, _ := json.Marshal(createTaskRequest{UserID: "", Query: ""})
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d", resp.StatusCode)
	}
}

func TestGetStatusUnknownTaskIsNotFound(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tasks/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListTemplatesReturnsRegisteredNames(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/templates")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var templates []dagtemplate.Template
	if err := json.NewDecoder(resp.Body).Decode(&templates); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(templates) == 0 {
		t.Fatalf("expected at least one registered template")
	}
}

func TestAbortReturnsCurrentStatus(t *testing.T) {
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := dagtemplate.NewRegistry("standard")
	if err := dagtemplate.RegisterDefaults(context.Background(), registry); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	cfg := config.Config{StageTimeout: 5 * time.Second, MaxStageRetries: 0}
	coord := coordinator.New(store, stallBroker{}, registry, nil, cfg)
	srv := httptest.NewServer(NewServer(coord, registry, nil).Routes())
	defer srv.Close()

	body, _ := json.Marshal(createTaskRequest{UserID: "user-1", Query: "what is go", Template: "standard"})
	createResp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var rec mcptask.Record
	_ = json.NewDecoder(createResp.Body).Decode(&rec)
	createResp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/tasks/"+rec.TaskID+"/abort", bytes.NewReader(nil))
	abortResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	defer abortResp.Body.Close()
	if abortResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from abort, got %d", abortResp.StatusCode)
	}
	var aborted mcptask.Record
	if err := json.NewDecoder(abortResp.Body).Decode(&aborted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if aborted.Status != mcptask.StatusAborted {
		t.Fatalf("expected abort response to carry status aborted, got %s", aborted.Status)
	}
}

func TestAnalyticsWithoutArchiveReturns503(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/analytics/agents")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without an archive wired, got %d", resp.StatusCode)
	}
}

