package mcptask

import (
	"time"

	"github.com/swarmguard/mcp/internal/mcperrors"
)

// AdvanceStage appends stage to CompletedStages, merges contextDelta and
// retrievalDelta, and positions CurrentStage at the next plan entry (or
// clears it when the plan is exhausted). Callers set Status separately.
func (r *Record) AdvanceStage(stage, contextDelta string, retrievalDelta []RetrievalHit) {
	r.CompletedStages = append(r.CompletedStages, stage)
	if contextDelta != "" {
		r.Context += contextDelta
	}
	r.RetrievalHits = append(r.RetrievalHits, retrievalDelta...)
	if len(r.CompletedStages) < len(r.Plan) {
		r.CurrentStage = r.Plan[len(r.CompletedStages)]
	} else {
		r.CurrentStage = ""
	}
	r.UpdatedAt = time.Now()
}

// ExtendPlan splices newStages after the completed prefix, used by intent
// analysis to replace the placeholder plan with a concrete selection.
func (r *Record) ExtendPlan(newStages []string) {
	r.Plan = append(append([]string{}, r.CompletedStages...), newStages...)
	if len(r.CompletedStages) < len(r.Plan) {
		r.CurrentStage = r.Plan[len(r.CompletedStages)]
	} else {
		r.CurrentStage = ""
	}
	r.UpdatedAt = time.Now()
}

// Fail transitions the record to failed with a structured diagnostic.
func (r *Record) Fail(kind mcperrors.Kind, stage, message string) {
	r.Status = StatusFailed
	r.CurrentStage = ""
	r.Error = &TaskError{Kind: kind, Message: message, Stage: stage}
	r.UpdatedAt = time.Now()
}

// Complete transitions the record to complete with the packaged response.
func (r *Record) Complete(resp *Response) {
	r.Status = StatusComplete
	r.Response = resp
	r.CurrentStage = ""
	r.UpdatedAt = time.Now()
}

// Abort transitions the record to aborted, a no-op if already terminal.
func (r *Record) Abort() bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusAborted
	r.CurrentStage = ""
	r.UpdatedAt = time.Now()
	return true
}

// TimeOut transitions the record to timed_out with a structured diagnostic
// naming the stage that timed out, a no-op if already terminal.
func (r *Record) TimeOut(kind mcperrors.Kind, stage, message string) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusTimedOut
	r.CurrentStage = ""
	r.Error = &TaskError{Kind: kind, Message: message, Stage: stage}
	r.UpdatedAt = time.Now()
	return true
}
