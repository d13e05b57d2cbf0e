package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
	"github.com/swarmguard/mcp/internal/platform/config"
	"github.com/swarmguard/mcp/internal/store/kv"
)

func succeedWith(result mcptask.StageResult) stageBehavior {
	return func(ctx context.Context, msg broker.StageMessage, fb *fakeBroker) {
		time.Sleep(5 * time.Millisecond)
		_ = fb.PublishEvent(ctx, broker.CompleteChannel(msg.TaskID, msg.Stage), result)
	}
}

func failWith(message string) stageBehavior {
	return func(ctx context.Context, msg broker.StageMessage, fb *fakeBroker) {
		time.Sleep(5 * time.Millisecond)
		_ = fb.PublishEvent(ctx, broker.FailChannel(msg.TaskID, msg.Stage), mcptask.StageFailure{Message: message})
	}
}

// failThenSucceed fails on the first attempt and succeeds on every
// subsequent one, for exercising the retry path.
func failThenSucceed(message string, result mcptask.StageResult) stageBehavior {
	attempts := 0
	return func(ctx context.Context, msg broker.StageMessage, fb *fakeBroker) {
		attempts++
		time.Sleep(5 * time.Millisecond)
		if attempts == 1 {
			_ = fb.PublishEvent(ctx, broker.FailChannel(msg.TaskID, msg.Stage), mcptask.StageFailure{Message: message})
			return
		}
		_ = fb.PublishEvent(ctx, broker.CompleteChannel(msg.TaskID, msg.Stage), result)
	}
}

func neverRespond() stageBehavior {
	return func(ctx context.Context, msg broker.StageMessage, fb *fakeBroker) {}
}

func testStore(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRegistry(t *testing.T) *dagtemplate.Registry {
	t.Helper()
	reg := dagtemplate.NewRegistry("standard")
	ctx := context.Background()
	if err := reg.Register(ctx, dagtemplate.Template{
		Name:   "standard",
		Stages: []string{"retrieval", "reasoning", "moderation", responsePackagingStage},
	}); err != nil {
		t.Fatalf("register template: %v", err)
	}
	return reg
}

func waitForTerminal(t *testing.T, c *Coordinator, taskID string, timeout time.Duration) *mcptask.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := c.GetStatus(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return nil
}

func TestCreateTaskHappyPathCompletes(t *testing.T) {
	fb := newFakeBroker()
	fb.on("retrieval", succeedWith(mcptask.StageResult{
		ContextDelta:       "retrieved docs. ",
		RetrievalHitsDelta: []mcptask.RetrievalHit{{ID: "doc-1", Score: 0.9}},
	}))
	fb.on("reasoning", succeedWith(mcptask.StageResult{ContextDelta: "reasoned answer. "}))
	fb.on("moderation", succeedWith(mcptask.StageResult{}))

	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 1}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "what is the weather", "standard")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	final := waitForTerminal(t, c, rec.TaskID, 2*time.Second)
	if final.Status != mcptask.StatusComplete {
		t.Fatalf("expected complete, got %s (error=%+v)", final.Status, final.Error)
	}
	if final.Response == nil || final.Response.Content == "" {
		t.Fatalf("expected packaged response content, got %+v", final.Response)
	}
	if len(final.Response.Citations) != 1 || final.Response.Citations[0] != "doc-1" {
		t.Fatalf("expected citation doc-1, got %+v", final.Response.Citations)
	}
}

func TestStageTimeoutMarksTaskTimedOut(t *testing.T) {
	fb := newFakeBroker()
	fb.on("retrieval", neverRespond())

	cfg := config.Config{StageTimeout: 30 * time.Millisecond, MaxStageRetries: 0}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "query", "standard")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	final := waitForTerminal(t, c, rec.TaskID, 2*time.Second)
	if final.Status != mcptask.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != mcperrors.StageTimeout || final.Error.Stage != "retrieval" {
		t.Fatalf("expected error{kind=StageTimeout, stage=retrieval}, got %+v", final.Error)
	}
}

func TestStageRetryRecoversFromOneFailure(t *testing.T) {
	fb := newFakeBroker()
	fb.on("retrieval", failThenSucceed("transient retrieval error", mcptask.StageResult{}))
	fb.on("reasoning", succeedWith(mcptask.StageResult{}))
	fb.on("moderation", succeedWith(mcptask.StageResult{}))

	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 1}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "query", "standard")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	final := waitForTerminal(t, c, rec.TaskID, 2*time.Second)
	if final.Status != mcptask.StatusComplete {
		t.Fatalf("expected complete after retry, got %s (error=%+v)", final.Status, final.Error)
	}
}

func TestStageFailureExhaustsRetriesAndFailsTask(t *testing.T) {
	fb := newFakeBroker()
	fb.on("retrieval", failWith("index unavailable"))

	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 0}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "query", "standard")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	final := waitForTerminal(t, c, rec.TaskID, 2*time.Second)
	if final.Status != mcptask.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Stage != "retrieval" {
		t.Fatalf("expected error attributed to retrieval stage, got %+v", final.Error)
	}
}

func TestAbortStopsInFlightTask(t *testing.T) {
	fb := newFakeBroker()
	fb.on("retrieval", neverRespond())

	cfg := config.Config{StageTimeout: 5 * time.Second, MaxStageRetries: 0}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "query", "standard")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	aborted, err := c.Abort(context.Background(), rec.TaskID, "user requested cancellation")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if aborted.Status != mcptask.StatusAborted {
		t.Fatalf("expected Abort to return the aborted record, got status %s", aborted.Status)
	}

	final, err := c.GetStatus(context.Background(), rec.TaskID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if final.Status != mcptask.StatusAborted {
		t.Fatalf("expected aborted, got %s", final.Status)
	}

	// A second abort on an already-terminal task must be a harmless no-op.
	if _, err := c.Abort(context.Background(), rec.TaskID, "duplicate"); err != nil {
		t.Fatalf("second abort should be a no-op, got error: %v", err)
	}
}

func TestModerationRequestsReasoningRetryOnce(t *testing.T) {
	fb := newFakeBroker()
	fb.on("retrieval", succeedWith(mcptask.StageResult{}))

	reasoningCalls := 0
	fb.on("reasoning", func(ctx context.Context, msg broker.StageMessage, fbb *fakeBroker) {
		reasoningCalls++
		time.Sleep(5 * time.Millisecond)
		_ = fbb.PublishEvent(ctx, broker.CompleteChannel(msg.TaskID, msg.Stage), mcptask.StageResult{})
	})

	moderationCalls := 0
	fb.on("moderation", func(ctx context.Context, msg broker.StageMessage, fbb *fakeBroker) {
		moderationCalls++
		time.Sleep(5 * time.Millisecond)
		result := mcptask.StageResult{}
		if moderationCalls == 1 {
			result.RetryReasoning = true
		}
		_ = fbb.PublishEvent(ctx, broker.CompleteChannel(msg.TaskID, msg.Stage), result)
	})

	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 0}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "query", "standard")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	final := waitForTerminal(t, c, rec.TaskID, 2*time.Second)
	if final.Status != mcptask.StatusComplete {
		t.Fatalf("expected complete, got %s (error=%+v)", final.Status, final.Error)
	}
	if reasoningCalls != 2 {
		t.Fatalf("expected reasoning to run twice (initial + one retry), got %d", reasoningCalls)
	}
	if moderationCalls != 2 {
		t.Fatalf("expected moderation to run twice, got %d", moderationCalls)
	}
	if !final.RetryReasoningUsed {
		t.Fatalf("expected RetryReasoningUsed to be set")
	}
}

func TestCreateTaskRejectsEmptyQuery(t *testing.T) {
	fb := newFakeBroker()
	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 0}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	if _, err := c.CreateTask(context.Background(), "user-1", "", "standard"); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestCreateTaskWithoutTemplateStartsWithIntent(t *testing.T) {
	fb := newFakeBroker()
	fb.on("intent", succeedWith(mcptask.StageResult{TemplateSuggestion: "standard"}))
	fb.on("retrieval", succeedWith(mcptask.StageResult{}))
	fb.on("reasoning", succeedWith(mcptask.StageResult{}))
	fb.on("moderation", succeedWith(mcptask.StageResult{}))

	cfg := config.Config{StageTimeout: time.Second, MaxStageRetries: 0}
	c := New(testStore(t), fb, testRegistry(t), nil, cfg)

	rec, err := c.CreateTask(context.Background(), "user-1", "query", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if rec.CurrentStage != "intent" {
		t.Fatalf("expected placeholder plan to start with intent, got %s", rec.CurrentStage)
	}

	final := waitForTerminal(t, c, rec.TaskID, 2*time.Second)
	if final.Status != mcptask.StatusComplete {
		t.Fatalf("expected complete, got %s (error=%+v)", final.Status, final.Error)
	}
}
