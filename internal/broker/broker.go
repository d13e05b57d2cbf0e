// Package broker is the sole inter-service transport: durable per-stage
// queues over NATS JetStream, and best-effort transient event topics over
// core NATS pub/sub.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/mcp/internal/mcperrors"
)

var propagator = propagation.TraceContext{}

const streamName = "MCP_STAGES"

// Broker wraps a NATS connection providing durable stage dispatch and
// transient event fan-out.
type Broker struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials url with exponential-backoff retry and ensures the shared
// stage stream exists.
func Connect(ctx context.Context, url string, stageNames []string) (*Broker, error) {
	var nc *nats.Conn
	op := func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Timeout(5*time.Second),
		)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, mcperrors.BrokerDown("broker.Connect", fmt.Errorf("connect to nats: %w", err))
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, mcperrors.BrokerDown("broker.Connect", fmt.Errorf("jetstream context: %w", err))
	}

	subjects := make([]string, 0, len(stageNames))
	for _, s := range stageNames {
		subjects = append(subjects, stageSubject(s))
	}
	if len(subjects) > 0 {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: subjects,
			Storage:  nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			nc.Close()
			return nil, mcperrors.BrokerDown("broker.Connect", fmt.Errorf("ensure stream: %w", err))
		}
	}

	return &Broker{nc: nc, js: js}, nil
}

// Close drains and closes the underlying connection.
func (b *Broker) Close() {
	_ = b.nc.Drain()
}

func stageSubject(stage string) string { return "stage." + stage }

// CompleteChannel, FailChannel, ResponseReadyChannel, and ProgressChannel name
// the transient event topics shared between the coordinator and agent stage
// bodies. Centralized here so both sides stay in lockstep on naming.
func CompleteChannel(taskID, stage string) string { return "stage.complete." + taskID + "." + stage }
func FailChannel(taskID, stage string) string      { return "stage.failed." + taskID + "." + stage }
func ResponseReadyChannel(taskID string) string    { return "response.ready." + taskID }
func ProgressChannel(taskID string) string         { return "progress." + taskID }

// StageMessage is the persisted stage-dispatch envelope (spec.md §6).
type StageMessage struct {
	TaskID                string            `json:"task_id"`
	Stage                 string            `json:"stage"`
	Attempt               int               `json:"attempt"`
	IssuedAt              time.Time         `json:"issued_at"`
	Query                 string            `json:"query"`
	UserID                string            `json:"user_id"`
	ContextSnapshot       string            `json:"context_snapshot"`
	RetrievalHitsSnapshot json.RawMessage   `json:"retrieval_hits_snapshot,omitempty"`
	StageArgs             map[string]string `json:"stage_args,omitempty"`
}

// PublishStage durably publishes msg to the named stage queue, returning
// once JetStream has acknowledged persistence.
func (b *Broker) PublishStage(ctx context.Context, stage string, msg StageMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return mcperrors.Wrap(mcperrors.Internal, "broker.PublishStage", "marshal stage message", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	_, err = b.js.PublishMsg(&nats.Msg{Subject: stageSubject(stage), Data: data, Header: hdr}, nats.Context(ctx))
	if err != nil {
		return mcperrors.BrokerDown("broker.PublishStage", err)
	}
	return nil
}

// AckHandle lets a stage handler acknowledge or negatively acknowledge
// (triggering redelivery) the message it was given.
type AckHandle interface {
	Ack() error
	Nack() error
}

type jsAckHandle struct{ msg *nats.Msg }

func (h jsAckHandle) Ack() error  { return h.msg.Ack() }
func (h jsAckHandle) Nack() error { return h.msg.Nak() }

// StageHandler processes one stage message and settles it itself through
// ack: Ack on success, Nack (redelivery) on failure.
type StageHandler func(ctx context.Context, msg StageMessage, ack AckHandle)

// ConsumeStage creates (or reuses) a durable pull consumer for stage with
// the given in-flight concurrency cap and dispatches messages to handler.
// Returns an unsubscribe function.
func (b *Broker) ConsumeStage(ctx context.Context, stage string, concurrency int, handler StageHandler) (func(), error) {
	durable := "mcp-" + stage
	sub, err := b.js.PullSubscribe(stageSubject(stage), durable,
		nats.AckWait(5*time.Minute),
		nats.MaxAckPending(concurrency),
	)
	if err != nil {
		return nil, mcperrors.BrokerDown("broker.ConsumeStage", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := sub.Fetch(concurrency, nats.MaxWait(2*time.Second))
			if err != nil {
				continue
			}
			for _, m := range msgs {
				var sm StageMessage
				if err := json.Unmarshal(m.Data, &sm); err != nil {
					_ = m.Nak()
					continue
				}
				carrier := propagation.HeaderCarrier(m.Header)
				mctx := propagator.Extract(ctx, carrier)
				tr := otel.Tracer("mcp-broker")
				mctx, span := tr.Start(mctx, "broker.consume_stage", trace.WithSpanKind(trace.SpanKindConsumer))
				handler(mctx, sm, jsAckHandle{msg: m})
				span.End()
			}
		}
	}()

	return func() {
		close(done)
		_ = sub.Unsubscribe()
	}, nil
}

// PublishEvent best-effort publishes payload to channel. Non-blocking;
// errors only reflect local connection state, never delivery guarantees.
func (b *Broker) PublishEvent(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return mcperrors.Wrap(mcperrors.Internal, "broker.PublishEvent", "marshal event payload", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	if err := b.nc.PublishMsg(&nats.Msg{Subject: channel, Data: data, Header: hdr}); err != nil {
		return mcperrors.BrokerDown("broker.PublishEvent", err)
	}
	return nil
}

// MatchFunc filters events on a subscribed channel; returning true resolves
// AwaitEvent with that event's raw payload.
type MatchFunc func(payload []byte) bool

// AwaitEvent subscribes to channel before returning the ready signal,
// eliminating the lost-wakeup race: callers MUST NOT publish the
// event-triggering stage message until after AwaitEvent's subscription is
// confirmed (i.e., after the returned wait function is obtained).
func (b *Broker) AwaitEvent(ctx context.Context, channel string, match MatchFunc, timeout time.Duration) (wait func(context.Context) ([]byte, error), err error) {
	resultCh := make(chan []byte, 1)
	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		if match == nil || match(m.Data) {
			select {
			case resultCh <- m.Data:
			default:
			}
		}
	})
	if err != nil {
		return nil, mcperrors.BrokerDown("broker.AwaitEvent", err)
	}

	wait = func(ctx context.Context) ([]byte, error) {
		defer sub.Unsubscribe()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		select {
		case data := <-resultCh:
			return data, nil
		case <-deadline.C:
			return nil, mcperrors.Timeout("broker.AwaitEvent", fmt.Errorf("no matching event within %s", timeout))
		case <-ctx.Done():
			return nil, mcperrors.AbortedErr("broker.AwaitEvent", ctx.Err())
		}
	}
	return wait, nil
}
