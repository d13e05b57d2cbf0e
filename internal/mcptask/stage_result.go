package mcptask

import "encoding/json"

// StageResult is the payload an agent publishes on stage:complete; the
// coordinator merges it into the task record via Store.mutate.
type StageResult struct {
	ContextDelta       string          `json:"context_delta,omitempty"`
	RetrievalHitsDelta []RetrievalHit  `json:"retrieval_hits_delta,omitempty"`
	TemplateSuggestion string          `json:"template_suggestion,omitempty"`
	RetryReasoning     bool            `json:"retry_reasoning,omitempty"`
	StructuredResult   json.RawMessage `json:"structured_result,omitempty"`
}

// StageFailure is the payload an agent publishes on stage:failed.
type StageFailure struct {
	Message string `json:"message"`
}
