package bus

import (
	"sync"
	"testing"
	"time"
)

func TestDedupeCache_DetectsRedelivery(t *testing.T) {
	c := NewDedupeCache(50*time.Millisecond, 10)
	if c.IsDuplicate("k1") {
		t.Fatalf("first sighting should not be a duplicate")
	}
	if !c.IsDuplicate("k1") {
		t.Fatalf("immediate re-sighting should be a duplicate")
	}
	time.Sleep(60 * time.Millisecond)
	if c.IsDuplicate("k1") {
		t.Fatalf("sighting after TTL expiry should not be a duplicate")
	}
}

func TestDedupeCache_EvictsOldestPastMaxSize(t *testing.T) {
	c := NewDedupeCache(time.Minute, 2)
	c.IsDuplicate("a")
	c.IsDuplicate("b")
	c.IsDuplicate("c") // evicts "a"
	if c.IsDuplicate("a") {
		t.Fatalf("expected 'a' to have been evicted and treated as new")
	}
}

func TestInboundDebouncer_CoalescesRapidMessages(t *testing.T) {
	var mu sync.Mutex
	var received []string

	d := NewInboundDebouncer(20*time.Millisecond, func(msg InboundMessage) {
		mu.Lock()
		received = append(received, msg.Content)
		mu.Unlock()
	})
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", ChatID: "1", Content: "wait"})
	d.Push(InboundMessage{Channel: "telegram", ChatID: "1", Content: "actually nvm"})

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "actually nvm" {
		t.Fatalf("expected exactly one coalesced callback with the latest message, got %+v", received)
	}
}
