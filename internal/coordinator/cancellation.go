package coordinator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// executionStatus tracks a task goroutine's lifecycle independent of the
// task record's own status field, so abort can race safely against a loop
// that is mid-stage.
type executionStatus string

const (
	executionRunning   executionStatus = "running"
	executionCompleted executionStatus = "completed"
	executionCancelled executionStatus = "cancelled"
)

type trackedExecution struct {
	cancelFunc   context.CancelFunc
	cancelReason string
	cancelledAt  time.Time
	endedAt      time.Time
	status       executionStatus
}

// cancellationManager is the single authoritative owner of which task_ids
// have an active coordinator goroutine, letting abort() cancel the loop's
// context without a second round-trip through the store.
type cancellationManager struct {
	mu         sync.RWMutex
	executions map[string]*trackedExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

func newCancellationManager(meter metric.Meter) *cancellationManager {
	cancellations, _ := meter.Int64Counter("mcp_coordinator_cancellations_total")
	return &cancellationManager{
		executions:    make(map[string]*trackedExecution),
		cancellations: cancellations,
		tracer:        otel.Tracer("mcp-coordinator"),
	}
}

func (cm *cancellationManager) register(taskID string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.executions[taskID] = &trackedExecution{cancelFunc: cancel, status: executionRunning}
}

func (cm *cancellationManager) cancel(ctx context.Context, taskID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "coordinator.cancel",
		trace.WithAttributes(attribute.String("task_id", taskID), attribute.String("reason", reason)))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	exec, ok := cm.executions[taskID]
	if !ok {
		// Already completed/evicted; abort is still idempotent at the
		// store layer, so this is not an error.
		return nil
	}
	if exec.status != executionRunning {
		return nil
	}

	exec.cancelFunc()
	exec.cancelReason = reason
	exec.cancelledAt = time.Now()
	exec.status = executionCancelled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return nil
}

func (cm *cancellationManager) complete(taskID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if exec, ok := cm.executions[taskID]; ok {
		if exec.status == executionRunning {
			exec.status = executionCompleted
		}
		exec.endedAt = time.Now()
	}
}

// startCleanupLoop periodically evicts tracking entries for goroutines that
// finished more than retention ago, bounding map growth across long uptimes.
func (cm *cancellationManager) startCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.cleanup(retention)
		}
	}
}

func (cm *cancellationManager) cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for taskID, exec := range cm.executions {
		if exec.status == executionRunning {
			continue
		}
		completionTime := exec.endedAt
		if exec.status == executionCancelled {
			completionTime = exec.cancelledAt
		}
		if !completionTime.IsZero() && now.Sub(completionTime) > retention {
			delete(cm.executions, taskID)
			cleaned++
		}
	}
	return cleaned
}

// cancelAll cancels every running execution, used on process shutdown.
func (cm *cancellationManager) cancelAll(reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := 0
	for _, exec := range cm.executions {
		if exec.status == executionRunning {
			exec.cancelFunc()
			exec.cancelReason = reason
			exec.cancelledAt = time.Now()
			exec.status = executionCancelled
			n++
		}
	}
	return n
}
