package registry

import "testing"

func TestStartPulseSession_EndIsIdempotent(t *testing.T) {
	r := New()
	end := r.StartPulseSession("a1")

	if !r.IsBusy("a1") {
		t.Fatalf("expected a1 to be busy after start")
	}
	if got := r.ActiveAgentSessions("a1"); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}

	end()
	end() // second call must be a no-op, not decrement below zero

	if r.IsBusy("a1") {
		t.Fatalf("expected a1 to be idle after end")
	}
	if got := r.ActiveAgentSessions("a1"); got != 0 {
		t.Fatalf("expected 0 active sessions, got %d", got)
	}
}

func TestEndPulseSession_WithoutClosure(t *testing.T) {
	r := New()
	r.StartPulseSession("a1")

	r.EndPulseSession("a1")
	if r.IsBusy("a1") {
		t.Fatalf("expected a1 idle after direct EndPulseSession")
	}

	// Calling again on an already-idle agent must not underflow.
	r.EndPulseSession("a1")
	if got := r.ActiveAgentSessions("a1"); got != 0 {
		t.Fatalf("expected active sessions to stay at 0, got %d", got)
	}
}

func TestGetAgentState(t *testing.T) {
	r := New()
	r.StartPulseSession("a1")
	r.StartPulseSession("a1")

	state := r.GetAgentState("a1")
	if state.AgentID != "a1" || state.ActiveSessions != 2 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.LastActivity.IsZero() {
		t.Fatalf("expected LastActivity to be set")
	}
}

func TestIsBusy_UnknownAgent(t *testing.T) {
	r := New()
	if r.IsBusy("never-seen") {
		t.Fatalf("expected unknown agent to be idle")
	}
}

func TestActiveRoutineSessions_CollapsesToAgentLevel(t *testing.T) {
	r := New()
	r.StartPulseSession("a1")

	if got := r.ActiveRoutineSessions("a1"); got != r.ActiveAgentSessions("a1") {
		t.Fatalf("expected ActiveRoutineSessions to collapse to agent-level count")
	}
}
