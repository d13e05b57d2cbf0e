package coordinator

import (
	"context"
	"time"

	"github.com/swarmguard/mcp/internal/broker"
)

// Broker is the subset of *broker.Broker the coordinator depends on,
// satisfied either by the real NATS-backed broker or an in-memory fake
// used in tests.
type Broker interface {
	PublishStage(ctx context.Context, stage string, msg broker.StageMessage) error
	PublishEvent(ctx context.Context, channel string, payload any) error
	AwaitEvent(ctx context.Context, channel string, match broker.MatchFunc, timeout time.Duration) (func(context.Context) ([]byte, error), error)
}
