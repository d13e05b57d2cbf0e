// Package coordinator owns the per-task DAG execution loop: dispatching
// stage messages, awaiting their completion or failure, applying the
// configured retry policy, and packaging the final response.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
	"github.com/swarmguard/mcp/internal/platform/config"
	"github.com/swarmguard/mcp/internal/platform/resilience"
	"github.com/swarmguard/mcp/internal/store/kv"
)

const responsePackagingStage = "response_packaging"

// ArchiveSink is the durable-archive subset the coordinator depends on.
type ArchiveSink interface {
	ArchiveTask(ctx context.Context, rec *mcptask.Record) error
}

// Coordinator is the single authoritative owner of every in-flight task's
// DAG execution.
type Coordinator struct {
	store     *kv.Store
	broker    Broker
	templates *dagtemplate.Registry
	archive   ArchiveSink
	cfg       config.Config

	cancellations *cancellationManager
	tracer        trace.Tracer

	tasksCreated  metric.Int64Counter
	tasksComplete metric.Int64Counter
	tasksFailed   metric.Int64Counter

	log *slog.Logger
}

// New builds a Coordinator. archive may be nil, in which case terminal tasks
// are never copied to the durable store (acceptable for tests).
func New(store *kv.Store, brk Broker, templates *dagtemplate.Registry, archiveSink ArchiveSink, cfg config.Config) *Coordinator {
	meter := otel.Meter("mcp-coordinator")
	created, _ := meter.Int64Counter("mcp_coordinator_tasks_created_total")
	complete, _ := meter.Int64Counter("mcp_coordinator_tasks_completed_total")
	failed, _ := meter.Int64Counter("mcp_coordinator_tasks_failed_total")
	return &Coordinator{
		store:         store,
		broker:        brk,
		templates:     templates,
		archive:       archiveSink,
		cfg:           cfg,
		cancellations: newCancellationManager(meter),
		tracer:        otel.Tracer("mcp-coordinator"),
		tasksCreated:  created,
		tasksComplete: complete,
		tasksFailed:   failed,
		log:           slog.Default().With("component", "coordinator"),
	}
}

// StartCleanupLoop evicts cancellation-tracking entries for goroutines that
// finished more than retention ago, bounding map growth across long uptimes.
// Callers should run it in its own goroutine and cancel ctx on shutdown.
func (c *Coordinator) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	c.cancellations.startCleanupLoop(ctx, interval, retention)
}

// Shutdown cancels every still-running task execution, used so a process
// restart doesn't leave orphaned goroutines racing the next instance's
// stage dispatch.
func (c *Coordinator) Shutdown(reason string) int {
	return c.cancellations.cancelAll(reason)
}

// CreateTask validates the request, builds the initial plan, persists the
// pending record, and spawns the task's execution goroutine. runCtx should
// be a long-lived, process-scoped context (not the HTTP request's), since
// execution outlives the originating request.
func (c *Coordinator) CreateTask(runCtx context.Context, userID, query, templateName string) (*mcptask.Record, error) {
	if query == "" {
		return nil, mcperrors.Invalid("coordinator.CreateTask", errEmptyQuery)
	}

	var plan []string
	if templateName != "" {
		tpl, err := c.templates.Get(templateName)
		if err != nil {
			return nil, err
		}
		plan = append([]string{}, tpl.Stages...)
	} else {
		// Placeholder plan: intent analysis runs first and may replace the
		// remainder of the plan exactly once via ExtendPlan.
		plan = []string{"intent", responsePackagingStage}
	}

	rec := mcptask.New(userID, query, templateName, plan)
	if err := c.store.Create(runCtx, rec); err != nil {
		return nil, err
	}
	_ = c.store.AppendProgress(runCtx, rec.TaskID, kv.ProgressEntry{
		Phase: "created", Message: "task accepted", Timestamp: time.Now(),
	})
	c.tasksCreated.Add(runCtx, 1)

	taskCtx, cancel := context.WithCancel(runCtx)
	c.cancellations.register(rec.TaskID, cancel)
	go c.execute(taskCtx, rec.TaskID)

	return rec, nil
}

// GetStatus returns the current record for task_id.
func (c *Coordinator) GetStatus(ctx context.Context, taskID string) (*mcptask.Record, error) {
	return c.store.Get(ctx, taskID)
}

// GetProgress returns progress entries appended after since.
func (c *Coordinator) GetProgress(ctx context.Context, taskID string, since time.Time) ([]kv.ProgressEntry, error) {
	return c.store.Progress(ctx, taskID, since)
}

// Abort cancels task_id's execution goroutine, marks it aborted, and returns
// the resulting record. Calling Abort twice, or after the task already
// reached a terminal state, is a harmless no-op that returns the record
// unchanged.
func (c *Coordinator) Abort(ctx context.Context, taskID, reason string) (*mcptask.Record, error) {
	if err := c.cancellations.cancel(ctx, taskID, reason); err != nil {
		return nil, err
	}
	updated, err := c.store.Mutate(ctx, taskID, func(r *mcptask.Record) error {
		r.Abort()
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = c.store.AppendProgress(ctx, taskID, kv.ProgressEntry{
		Phase: "aborted", Message: reason, Timestamp: time.Now(),
	})
	return updated, nil
}

// execute is the per-task goroutine: it loops until the record reaches a
// terminal status, dispatching the current stage and applying its outcome.
func (c *Coordinator) execute(ctx context.Context, taskID string) {
	defer c.cancellations.complete(taskID)

	for {
		rec, err := c.store.Get(ctx, taskID)
		if err != nil {
			c.log.Error("execute: load record", "task_id", taskID, "error", err)
			return
		}
		if rec.Status.Terminal() {
			return
		}
		if ctx.Err() != nil {
			// Aborted: the store mutation already happened in Abort(); this
			// goroutine simply stops touching the record.
			return
		}

		stage := rec.CurrentStage
		if stage == responsePackagingStage {
			c.packageResponse(ctx, rec)
			return
		}
		if stage == "" {
			// Plan exhausted without an explicit response_packaging stage;
			// treat as an internal inconsistency rather than spin forever.
			c.failTask(ctx, taskID, mcperrors.Internal, "", "plan exhausted without response_packaging")
			return
		}

		c.runStage(ctx, rec, stage)
	}
}

// runStage dispatches one plan stage with the configured retry budget and
// applies its outcome to the store.
func (c *Coordinator) runStage(ctx context.Context, rec *mcptask.Record, stage string) {
	ctx, span := c.tracer.Start(ctx, "coordinator.run_stage",
		trace.WithAttributes(attribute.String("task_id", rec.TaskID), attribute.String("stage", stage)))
	defer span.End()

	attempt := 0
	outcome, err := resilience.Retry(ctx, c.cfg.MaxStageRetries+1, 0, func() (stageOutcome, error) {
		attempt++
		o, derr := c.dispatchStageOnce(ctx, rec, stage, attempt)
		if derr != nil {
			return stageOutcome{}, derr
		}
		if !o.ok {
			return stageOutcome{}, mcperrors.StageFailure("coordinator.runStage", errStageReportedFailure)
		}
		return o, nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return // aborted mid-dispatch; Abort() owns the terminal write
		}
		c.failTask(ctx, rec.TaskID, mcperrors.KindOf(err), stage, err.Error())
		return
	}

	c.applyStageResult(ctx, rec.TaskID, stage, outcome)
}

type stageOutcome struct {
	ok      bool
	payload []byte
}

// dispatchStageOnce subscribes to the stage's completion/failure channels
// (eliminating the lost-wakeup race) and then publishes the stage message.
func (c *Coordinator) dispatchStageOnce(ctx context.Context, rec *mcptask.Record, stage string, attempt int) (stageOutcome, error) {
	completeWait, err := c.broker.AwaitEvent(ctx, broker.CompleteChannel(rec.TaskID, stage), nil, c.cfg.StageTimeout)
	if err != nil {
		return stageOutcome{}, err
	}
	failWait, err := c.broker.AwaitEvent(ctx, broker.FailChannel(rec.TaskID, stage), nil, c.cfg.StageTimeout)
	if err != nil {
		return stageOutcome{}, err
	}

	retrievalSnapshot, _ := json.Marshal(rec.RetrievalHits)
	msg := broker.StageMessage{
		TaskID:                rec.TaskID,
		Stage:                 stage,
		Attempt:               attempt,
		IssuedAt:              time.Now(),
		Query:                 rec.Query,
		UserID:                rec.UserID,
		ContextSnapshot:       rec.Context,
		RetrievalHitsSnapshot: retrievalSnapshot,
	}
	if err := c.broker.PublishStage(ctx, stage, msg); err != nil {
		return stageOutcome{}, err
	}

	type raced struct {
		ok      bool
		payload []byte
	}
	resultCh := make(chan raced, 2)
	go func() {
		if data, err := completeWait(ctx); err == nil {
			resultCh <- raced{ok: true, payload: data}
		}
	}()
	go func() {
		if data, err := failWait(ctx); err == nil {
			resultCh <- raced{ok: false, payload: data}
		}
	}()

	select {
	case r := <-resultCh:
		return stageOutcome{ok: r.ok, payload: r.payload}, nil
	case <-ctx.Done():
		return stageOutcome{}, ctx.Err()
	case <-time.After(c.cfg.StageTimeout):
		return stageOutcome{}, mcperrors.Timeout("coordinator.dispatchStageOnce", errStageTimedOut)
	}
}

// applyStageResult merges a successful stage outcome into the record,
// handling the two dynamic-plan cases: intent's template suggestion and
// moderation's single reasoning re-run.
func (c *Coordinator) applyStageResult(ctx context.Context, taskID, stage string, outcome stageOutcome) {
	var result mcptask.StageResult
	if len(outcome.payload) > 0 {
		_ = json.Unmarshal(outcome.payload, &result)
	}

	rec, err := c.store.Mutate(ctx, taskID, func(r *mcptask.Record) error {
		if stage == "moderation" && result.RetryReasoning && !r.RetryReasoningUsed {
			r.RetryReasoningUsed = true
			tail := append([]string{}, r.Plan[len(r.CompletedStages)+1:]...)
			r.ExtendPlan(append([]string{"reasoning", "moderation"}, tail...))
			if result.ContextDelta != "" {
				r.Context += result.ContextDelta
			}
			r.RetrievalHits = append(r.RetrievalHits, result.RetrievalHitsDelta...)
			r.Status = mcptask.StatusInProgress
			return nil
		}

		firstStage := len(r.CompletedStages) == 0
		r.AdvanceStage(stage, result.ContextDelta, result.RetrievalHitsDelta)
		r.Status = mcptask.StatusInProgress

		if stage == "intent" && firstStage && r.TemplateName == "" && result.TemplateSuggestion != "" {
			if tpl, tplErr := c.templates.Get(result.TemplateSuggestion); tplErr == nil {
				remaining := tpl.Stages
				if len(remaining) > 0 && remaining[0] == stage {
					// intent already ran; the template's own leading intent
					// stage is not repeated.
					remaining = remaining[1:]
				}
				r.ExtendPlan(append([]string{}, remaining...))
			}
		}
		return nil
	})
	if err != nil {
		c.log.Error("applyStageResult: mutate failed", "task_id", taskID, "stage", stage, "error", err)
		return
	}

	_ = c.store.AppendProgress(ctx, taskID, kv.ProgressEntry{
		Stage: stage, Phase: "stage_complete", Timestamp: time.Now(), Payload: outcome.payload,
	})
	_ = c.broker.PublishEvent(ctx, broker.ProgressChannel(taskID), rec)
}

// packageResponse runs the terminal response_packaging stage in-process: it
// assembles the final response from accumulated context and retrieval hits
// rather than dispatching to a remote agent.
func (c *Coordinator) packageResponse(ctx context.Context, rec *mcptask.Record) {
	citations := make([]string, 0, len(rec.RetrievalHits))
	for _, hit := range rec.RetrievalHits {
		citations = append(citations, hit.ID)
	}
	confidence := 0.5
	if len(rec.RetrievalHits) > 0 {
		confidence = 0.75
	}
	resp := &mcptask.Response{
		Content:    rec.Context,
		Citations:  citations,
		Confidence: confidence,
		StepLog:    append([]string{}, rec.CompletedStages...),
	}

	updated, err := c.store.Mutate(ctx, rec.TaskID, func(r *mcptask.Record) error {
		r.CompletedStages = append(r.CompletedStages, responsePackagingStage)
		r.Complete(resp)
		return nil
	})
	if err != nil {
		c.log.Error("packageResponse: mutate failed", "task_id", rec.TaskID, "error", err)
		return
	}

	c.tasksComplete.Add(ctx, 1)
	_ = c.store.AppendProgress(ctx, rec.TaskID, kv.ProgressEntry{
		Phase: "complete", Message: "response packaged", Timestamp: time.Now(),
	})
	_ = c.broker.PublishEvent(ctx, broker.ResponseReadyChannel(rec.TaskID), updated)

	if c.archive != nil {
		go func() {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.archive.ArchiveTask(archiveCtx, updated); err != nil {
				c.log.Error("packageResponse: archive failed", "task_id", rec.TaskID, "error", err)
			}
		}()
	}
}

func (c *Coordinator) failTask(ctx context.Context, taskID string, kind mcperrors.Kind, stage, message string) {
	updated, err := c.store.Mutate(ctx, taskID, func(r *mcptask.Record) error {
		if kind == mcperrors.StageTimeout {
			r.TimeOut(kind, stage, message)
		} else {
			r.Fail(kind, stage, message)
		}
		return nil
	})
	if err != nil {
		c.log.Error("failTask: mutate failed", "task_id", taskID, "error", err)
		return
	}

	c.tasksFailed.Add(ctx, 1)
	_ = c.store.AppendProgress(ctx, taskID, kv.ProgressEntry{
		Stage: stage, Phase: "failed", Message: message, Timestamp: time.Now(),
	})
	_ = c.broker.PublishEvent(ctx, broker.ResponseReadyChannel(taskID), updated)

	if c.archive != nil {
		go func() {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.archive.ArchiveTask(archiveCtx, updated); err != nil {
				c.log.Error("failTask: archive failed", "task_id", taskID, "error", err)
			}
		}()
	}
}

