package mcptask

import (
	"testing"

	"github.com/swarmguard/mcp/internal/mcperrors"
)

func TestNewRecordSatisfiesInvariants(t *testing.T) {
	r := New("user-1", "what is the capital of France?", "standard", []string{"intent", "retrieval", "reasoning", "response_packaging"})
	if err := r.Validate(); err != nil {
		t.Fatalf("fresh record should satisfy invariants: %v", err)
	}
	if r.CurrentStage != "intent" {
		t.Fatalf("expected current_stage=intent, got %q", r.CurrentStage)
	}
	if r.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", r.Status)
	}
}

func TestAdvanceStageKeepsPrefixInvariant(t *testing.T) {
	r := New("u", "q", "standard", []string{"intent", "retrieval", "response_packaging"})
	r.Status = StatusInProgress
	r.AdvanceStage("intent", "intent-ctx", nil)
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected invariant violation: %v", err)
	}
	if r.CurrentStage != "retrieval" {
		t.Fatalf("expected current_stage=retrieval, got %q", r.CurrentStage)
	}
	if len(r.CompletedStages) != 1 || r.CompletedStages[0] != "intent" {
		t.Fatalf("expected completed_stages=[intent], got %v", r.CompletedStages)
	}
}

func TestCompletedStagesNotPrefixIsRejected(t *testing.T) {
	r := New("u", "q", "standard", []string{"intent", "retrieval"})
	r.CompletedStages = []string{"retrieval"}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected validation error for non-prefix completed_stages")
	}
}

func TestCompleteRequiresResponse(t *testing.T) {
	r := New("u", "q", "standard", []string{"response_packaging"})
	r.Status = StatusComplete
	r.CurrentStage = ""
	if err := r.Validate(); err == nil {
		t.Fatalf("expected validation error: complete without response")
	}
	r.Response = &Response{Content: "answer", Confidence: 0.9}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid once response attached: %v", err)
	}
}

func TestErrorStageMustBeInPlan(t *testing.T) {
	r := New("u", "q", "standard", []string{"intent", "retrieval"})
	r.Status = StatusFailed
	r.CurrentStage = ""
	r.Error = &TaskError{Kind: mcperrors.StageFailed, Message: "boom", Stage: "reasoning"}
	if err := r.Validate(); err == nil {
		t.Fatalf("expected validation error for error.stage not in plan")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	r := New("u", "q", "standard", []string{"intent"})
	if !r.Abort() {
		t.Fatalf("expected first abort to transition")
	}
	if r.Abort() {
		t.Fatalf("expected second abort to be a no-op")
	}
	if r.Status != StatusAborted {
		t.Fatalf("expected aborted status, got %q", r.Status)
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusComplete, StatusFailed, StatusAborted, StatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %q to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusInProgress}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("expected %q to be non-terminal", s)
		}
	}
}
