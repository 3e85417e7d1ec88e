package streamer

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
)

func TestTurnEnd_CommitsOpenBlockAndStaleTool(t *testing.T) {
	bus := eventbus.NewMemoryBus(100)
	s := New(bus, "s1", time.Hour) // long flush interval: force manual flush via TurnEnd

	ctx := context.Background()
	if err := s.OutputDelta(ctx, "hello "); err != nil {
		t.Fatal(err)
	}
	if err := s.OutputDelta(ctx, "world"); err != nil {
		t.Fatal(err)
	}
	if err := s.ToolStart(ctx, "t1", "search"); err != nil {
		t.Fatal(err)
	}
	if err := s.TurnEnd(ctx, false); err != nil {
		t.Fatal(err)
	}

	events, _, err := bus.ReplayFrom(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}

	var sawDelta, sawStaleToolEnd, sawTurnEnd bool
	for _, ev := range events {
		switch ev.Type {
		case eventbus.EventOutputDelta:
			if ev.Payload["text"] == "hello world" {
				sawDelta = true
			}
		case eventbus.EventToolEnd:
			if ev.Payload["error"] != nil {
				sawStaleToolEnd = true
			}
		case eventbus.EventTurnEnd:
			sawTurnEnd = true
		}
	}
	if !sawDelta {
		t.Fatalf("expected coalesced output delta 'hello world', got %+v", events)
	}
	if !sawStaleToolEnd {
		t.Fatalf("expected a synthetic tool_end for the never-completed tool call")
	}
	if !sawTurnEnd {
		t.Fatalf("expected turn_end event")
	}
}

func TestTurnEnd_AbortedEmitsResponseAbortedBeforeTurnEnd(t *testing.T) {
	bus := eventbus.NewMemoryBus(100)
	s := New(bus, "s1", time.Hour)
	ctx := context.Background()

	if err := s.TurnEnd(ctx, true); err != nil {
		t.Fatal(err)
	}
	events, _, err := bus.ReplayFrom(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != eventbus.EventResponseAborted || events[1].Type != eventbus.EventTurnEnd {
		t.Fatalf("expected [response_aborted, turn_end], got %+v", events)
	}
}
