package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/mcperrors"
)

// stageBehavior simulates an agent stage body's reaction to one dispatched
// stage message, publishing to the complete or failed channel (or neither,
// to simulate a hung agent) via fb.
type stageBehavior func(ctx context.Context, msg broker.StageMessage, fb *fakeBroker)

// fakeBroker is an in-memory Broker used so coordinator tests never touch a
// real NATS connection. AwaitEvent subscribes before PublishStage's handler
// runs, preserving the same subscribe-before-publish ordering the real
// broker requires.
type fakeBroker struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	onStage map[string]stageBehavior
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:    make(map[string][]chan []byte),
		onStage: make(map[string]stageBehavior),
	}
}

func (fb *fakeBroker) on(stage string, b stageBehavior) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.onStage[stage] = b
}

func (fb *fakeBroker) PublishStage(ctx context.Context, stage string, msg broker.StageMessage) error {
	fb.mu.Lock()
	behavior := fb.onStage[stage]
	fb.mu.Unlock()
	if behavior != nil {
		go behavior(ctx, msg, fb)
	}
	return nil
}

func (fb *fakeBroker) PublishEvent(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	fb.mu.Lock()
	chans := fb.subs[channel]
	delete(fb.subs, channel)
	fb.mu.Unlock()
	for _, ch := range chans {
		ch <- data
	}
	return nil
}

func (fb *fakeBroker) AwaitEvent(ctx context.Context, channel string, match broker.MatchFunc, timeout time.Duration) (func(context.Context) ([]byte, error), error) {
	ch := make(chan []byte, 1)
	fb.mu.Lock()
	fb.subs[channel] = append(fb.subs[channel], ch)
	fb.mu.Unlock()

	wait := func(ctx context.Context) ([]byte, error) {
		select {
		case data := <-ch:
			return data, nil
		case <-ctx.Done():
			return nil, mcperrors.AbortedErr("fakeBroker.AwaitEvent", ctx.Err())
		case <-time.After(timeout):
			return nil, mcperrors.Timeout("fakeBroker.AwaitEvent", context.DeadlineExceeded)
		}
	}
	return wait, nil
}
