package broker

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStageMessageRoundTripsJSON(t *testing.T) {
	msg := StageMessage{
		TaskID:          "task_1",
		Stage:           "retrieval",
		Attempt:         1,
		IssuedAt:        time.Now().UTC(),
		Query:           "what is the capital of France",
		UserID:          "user_1",
		ContextSnapshot: "previous context",
		StageArgs:       map[string]string{"top_k": "5"},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out StageMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TaskID != msg.TaskID || out.Stage != msg.Stage || out.StageArgs["top_k"] != "5" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestStageSubjectNaming(t *testing.T) {
	if got := stageSubject("reasoning"); got != "stage.reasoning" {
		t.Fatalf("expected stage.reasoning, got %s", got)
	}
}
