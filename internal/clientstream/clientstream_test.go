package clientstream

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
)

type recordingSink struct {
	applied   []eventbus.Event
	truncated int
}

func (s *recordingSink) Apply(ev eventbus.Event)  { s.applied = append(s.applied, ev) }
func (s *recordingSink) ReplayTruncated()         { s.truncated++ }

func TestBootstrap_AppliesHistoryThenLiveWithoutDuplication(t *testing.T) {
	bus := eventbus.NewMemoryBus(100)
	ctx := context.Background()

	// Pre-existing durable history before the client ever connects.
	if _, err := bus.Publish(ctx, "s1", eventbus.Event{Type: "turn_start"}); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Publish(ctx, "s1", eventbus.Event{Type: "output_delta", Payload: map[string]any{"text": "hi"}}); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	c := New(bus, "s1", sink)
	cancel, err := c.Bootstrap(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if len(sink.applied) != 2 {
		t.Fatalf("expected 2 history events applied, got %d", len(sink.applied))
	}

	// A live event published after bootstrap should be applied exactly once.
	if _, err := bus.Publish(ctx, "s1", eventbus.Event{Type: "turn_end"}); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, sink, 3)

	if sink.applied[2].Type != "turn_end" {
		t.Fatalf("expected third event to be turn_end, got %s", sink.applied[2].Type)
	}
}

func waitForCount(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.applied) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d applied events, got %d", n, len(sink.applied))
}

func TestBootstrap_ReconnectDropsAlreadyDurableReplay(t *testing.T) {
	bus := eventbus.NewMemoryBus(100)
	ctx := context.Background()

	ev1, _ := bus.Publish(ctx, "s1", eventbus.Event{Type: "turn_start"})
	_, _ = bus.Publish(ctx, "s1", eventbus.Event{Type: "turn_end"})

	sink := &recordingSink{}
	c := New(bus, "s1", sink)
	// Reconnect from ev1's cursor: only the turn_end should be replayed.
	cancel, err := c.Bootstrap(ctx, ev1.Cursor)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if len(sink.applied) != 1 || sink.applied[0].Type != "turn_end" {
		t.Fatalf("expected only turn_end to replay after cursor, got %+v", sink.applied)
	}
}
