// Package agentruntime is the generic stage consumer shared by every agent
// binary: it pulls stage messages off the broker, runs the stage-specific
// body under a deadline, and reports completion or failure back to the
// coordinator over the transient event topics.
package agentruntime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/mcptask"
)

// StageBody implements one specialist agent's work for a single stage
// message. The returned StageResult is merged into the task record by the
// coordinator; a non-nil error is reported as a stage failure.
type StageBody func(ctx context.Context, msg broker.StageMessage) (mcptask.StageResult, error)

// Broker is the subset of *broker.Broker a Consumer needs.
type Broker interface {
	ConsumeStage(ctx context.Context, stage string, concurrency int, handler broker.StageHandler) (func(), error)
	PublishEvent(ctx context.Context, channel string, payload any) error
}

// Consumer wires a StageBody to a durable stage subscription.
type Consumer struct {
	brk         Broker
	stage       string
	concurrency int
	timeout     time.Duration
	body        StageBody

	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewConsumer builds a Consumer for stage, enforcing timeout on every
// invocation of body and running up to concurrency in-flight messages.
func NewConsumer(brk Broker, stage string, concurrency int, timeout time.Duration, body StageBody) *Consumer {
	meter := otel.Meter("mcp-agentruntime")
	duration, _ := meter.Float64Histogram("mcp_agent_stage_duration_ms")
	failures, _ := meter.Int64Counter("mcp_agent_stage_failures_total")
	return &Consumer{
		brk:         brk,
		stage:       stage,
		concurrency: concurrency,
		timeout:     timeout,
		body:        body,
		tracer:      otel.Tracer("mcp-agentruntime"),
		duration:    duration,
		failures:    failures,
	}
}

// Start subscribes to the stage and begins dispatching messages to body.
// The returned function stops the subscription.
func (c *Consumer) Start(ctx context.Context) (func(), error) {
	return c.brk.ConsumeStage(ctx, c.stage, c.concurrency, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg broker.StageMessage, ack broker.AckHandle) {
	ctx, span := c.tracer.Start(ctx, "agentruntime.handle_stage",
		trace.WithAttributes(
			attribute.String("task_id", msg.TaskID),
			attribute.String("stage", msg.Stage),
			attribute.Int("attempt", msg.Attempt),
		))
	defer span.End()

	stageCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result, err := c.body(stageCtx, msg)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("stage", c.stage)))

	if err != nil {
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", c.stage)))
		_ = c.brk.PublishEvent(ctx, broker.FailChannel(msg.TaskID, msg.Stage), mcptask.StageFailure{Message: err.Error()})
		_ = ack.Nack()
		return
	}

	_ = c.brk.PublishEvent(ctx, broker.CompleteChannel(msg.TaskID, msg.Stage), result)
	_ = ack.Ack()
}
