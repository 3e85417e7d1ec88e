package clientstream

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
)

// TestTranscript_AbortThenTurnEnd covers E2E scenario 6 (spec §7
// "Abort-then-turn-end"): abort appends "[stopped]" to the last assistant
// message exactly once, and the turn_end that follows must not re-trigger
// normal turn-end side effects.
func TestTranscript_AbortThenTurnEnd(t *testing.T) {
	var turnEndCalls int
	tr := NewTranscript(func(ok bool) { turnEndCalls++ })

	tr.Apply(eventbus.Event{Type: eventbus.EventOutputDelta, Payload: map[string]any{"text": "partial answer"}})
	tr.Apply(eventbus.Event{Type: eventbus.EventResponseAborted})
	tr.Apply(eventbus.Event{Type: eventbus.EventTurnEnd, Payload: map[string]any{"aborted": true}})

	if len(tr.Messages) != 1 {
		t.Fatalf("expected exactly one committed message, got %+v", tr.Messages)
	}
	if tr.Messages[0].Role != RoleAssistant || tr.Messages[0].Text != "partial answer[stopped]" {
		t.Fatalf("expected \"[stopped]\" appended once to the assistant message, got %+v", tr.Messages[0])
	}
	if turnEndCalls != 0 {
		t.Fatalf("expected the post-abort turn_end to suppress OnTurnEnd, got %d calls", turnEndCalls)
	}

	// A subsequent, unrelated turn must behave normally again.
	tr.Apply(eventbus.Event{Type: eventbus.EventOutputDelta, Payload: map[string]any{"text": "second turn"}})
	tr.Apply(eventbus.Event{Type: eventbus.EventTurnEnd, Payload: map[string]any{"aborted": false}})
	if turnEndCalls != 1 {
		t.Fatalf("expected OnTurnEnd to fire once for the normal turn, got %d", turnEndCalls)
	}
	if len(tr.Messages) != 2 || tr.Messages[1].Text != "second turn" {
		t.Fatalf("expected second turn committed separately, got %+v", tr.Messages)
	}
}

func TestTranscript_AbortWithNoOpenAssistantMessageAppendsSystemMessage(t *testing.T) {
	tr := NewTranscript(nil)
	tr.Apply(eventbus.Event{Type: eventbus.EventResponseAborted})

	if len(tr.Messages) != 1 || tr.Messages[0].Role != RoleSystem || tr.Messages[0].Text != "Response stopped" {
		t.Fatalf("expected a standalone system message, got %+v", tr.Messages)
	}
}

func TestTranscript_ToolStartEndUpdatesPlaceholder(t *testing.T) {
	tr := NewTranscript(nil)
	tr.Apply(eventbus.Event{Type: eventbus.EventToolStart, Payload: map[string]any{"id": "t1", "name": "search"}})
	tr.Apply(eventbus.Event{Type: eventbus.EventToolEnd, Payload: map[string]any{"id": "t1", "result": "3 hits"}})

	if len(tr.Messages) != 1 || tr.Messages[0].ToolResult != "3 hits" || !tr.Messages[0].ToolDone {
		t.Fatalf("expected tool placeholder resolved by id, got %+v", tr.Messages)
	}
}

func TestTranscript_ToolEndUnknownIDFallsBackToMostRecentUnterminated(t *testing.T) {
	tr := NewTranscript(nil)
	tr.Apply(eventbus.Event{Type: eventbus.EventToolStart, Payload: map[string]any{"id": "t1", "name": "search"}})
	tr.Apply(eventbus.Event{Type: eventbus.EventToolEnd, Payload: map[string]any{"id": "unknown", "error": "boom"}})

	if len(tr.Messages) != 1 || tr.Messages[0].ToolError != "boom" {
		t.Fatalf("expected fallback resolution onto the only in-flight tool call, got %+v", tr.Messages)
	}
}

func TestTranscript_StepEndFailureAppendsSystemMessage(t *testing.T) {
	tr := NewTranscript(nil)
	tr.Apply(eventbus.Event{Type: eventbus.EventStepEnd, Payload: map[string]any{"success": false}})

	if len(tr.Messages) != 1 || tr.Messages[0].Role != RoleSystem {
		t.Fatalf("expected a system error message on step_end(false), got %+v", tr.Messages)
	}
}
