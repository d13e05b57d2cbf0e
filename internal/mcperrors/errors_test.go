package mcperrors

import (
	"errors"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(StoreUnavailable, "kv.Get", "bbolt view failed", base)
	if KindOf(wrapped) != StoreUnavailable {
		t.Fatalf("expected StoreUnavailable, got %v", KindOf(wrapped))
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected wrapped error to retain cause under errors.Is")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != Internal {
		t.Fatalf("expected Internal for a non-taxonomy error")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		InvalidInput:      "InvalidInput",
		NotFound:          "NotFound",
		Conflict:          "Conflict",
		BrokerUnavailable: "BrokerUnavailable",
		StoreUnavailable:  "StoreUnavailable",
		StageTimeout:      "StageTimeout",
		StageFailed:       "StageFailed",
		Aborted:           "Aborted",
		Internal:          "Internal",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
