// Package mcptask defines the task record that flows between the
// coordinator, the task-state store, and agent stage bodies.
package mcptask

import (
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/mcp/internal/mcperrors"
)

// Status enumerates the task lifecycle per the pending -> in_progress ->
// terminal state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusAborted     Status = "aborted"
	StatusTimedOut    Status = "timed_out"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// RetrievalHit is a single ranked result from the vector index, carried
// opaquely by the coordinator between retrieval and reasoning stages.
type RetrievalHit struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Snippet  string            `json:"snippet"`
}

// Response is the final packaged answer assembled at response_packaging.
type Response struct {
	Content    string   `json:"content"`
	Citations  []string `json:"citations,omitempty"`
	Confidence float64  `json:"confidence"`
	StepLog    []string `json:"step_log,omitempty"`
}

// TaskError is the structured diagnostic attached on non-terminal-success.
type TaskError struct {
	Kind    mcperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	Stage   string         `json:"stage"`
}

// Record is the authoritative task document held by the store.
type Record struct {
	TaskID          string         `json:"task_id"`
	UserID          string         `json:"user_id"`
	Query           string         `json:"query"`
	TemplateName    string         `json:"template_name"`
	Plan            []string       `json:"plan"`
	CompletedStages []string       `json:"completed_stages"`
	CurrentStage    string         `json:"current_stage,omitempty"`
	Status          Status         `json:"status"`
	Context         string         `json:"context"`
	RetrievalHits   []RetrievalHit `json:"retrieval_hits,omitempty"`
	Response        *Response      `json:"response,omitempty"`
	Error           *TaskError     `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	TTLHint         time.Duration  `json:"ttl_hint"`

	// RetryReasoningUsed tracks whether the single moderation-triggered
	// reasoning re-run has already happened for this task.
	RetryReasoningUsed bool `json:"retry_reasoning_used"`
}

const defaultTTLHint = 10 * time.Minute

// New constructs the initial pending record for a task.
func New(userID, query, templateName string, plan []string) *Record {
	now := time.Now()
	taskID := "task_" + uuid.NewString()
	return &Record{
		TaskID:          taskID,
		UserID:          userID,
		Query:           query,
		TemplateName:    templateName,
		Plan:            plan,
		CompletedStages: []string{},
		CurrentStage:    firstOrEmpty(plan),
		Status:          StatusPending,
		StartedAt:       now,
		UpdatedAt:       now,
		TTLHint:         defaultTTLHint,
	}
}

func firstOrEmpty(plan []string) string {
	if len(plan) == 0 {
		return ""
	}
	return plan[0]
}

// Validate checks the §3 invariants that must hold after every committed
// update. It is called from Store.mutate before a write is accepted.
func (r *Record) Validate() error {
	if len(r.CompletedStages) > len(r.Plan) {
		return mcperrors.Invalid("mcptask.Validate", errCompletedStagesExceedsPlan)
	}
	for i, s := range r.CompletedStages {
		if i >= len(r.Plan) || r.Plan[i] != s {
			return mcperrors.Invalid("mcptask.Validate", errCompletedStagesNotPrefix)
		}
	}

	wantCurrent := ""
	if r.Status == StatusPending || r.Status == StatusInProgress {
		if len(r.CompletedStages) < len(r.Plan) {
			wantCurrent = r.Plan[len(r.CompletedStages)]
		}
	}
	if r.CurrentStage != wantCurrent {
		return mcperrors.Invalid("mcptask.Validate", errCurrentStageMismatch)
	}

	if r.Status == StatusComplete && r.Response == nil {
		return mcperrors.Invalid("mcptask.Validate", errCompleteRequiresResponse)
	}
	if r.Status != StatusComplete && r.Response != nil {
		return mcperrors.Invalid("mcptask.Validate", errResponseRequiresComplete)
	}

	if r.Error != nil && r.Error.Stage != "" {
		found := false
		for _, s := range r.Plan {
			if s == r.Error.Stage {
				found = true
				break
			}
		}
		if !found {
			return mcperrors.Invalid("mcptask.Validate", errErrorStageNotInPlan)
		}
	}

	return nil
}
