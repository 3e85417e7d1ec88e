package wake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/counterstore"
)

type fakeBusy struct{ busy map[string]bool }

func (f fakeBusy) IsBusy(agentID string) bool { return f.busy[agentID] }

type recordingDeliverer struct {
	delivered []Message
	fail      bool
}

func (d *recordingDeliverer) Deliver(ctx context.Context, msg Message) error {
	if d.fail {
		return errors.New("delivery failed")
	}
	d.delivered = append(d.delivered, msg)
	return nil
}

func TestTryWake_Cooldown(t *testing.T) {
	store := counterstore.NewMemoryStore()
	deliverer := &recordingDeliverer{}
	s := New(store, fakeBusy{}, deliverer, Config{Cooldown: time.Hour})

	if err := s.TryWake(context.Background(), Message{From: "a1", To: "a2"}); err != nil {
		t.Fatalf("first wake should succeed: %v", err)
	}
	err := s.TryWake(context.Background(), Message{From: "a1", To: "a2"})
	var rej *Rejected
	if !errors.As(err, &rej) || rej.Reason != RejectCooldown {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
	if len(deliverer.delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(deliverer.delivered))
	}
}

func TestTryWake_PerPairDailyCapRollsBackAgentCounter(t *testing.T) {
	store := counterstore.NewMemoryStore()
	deliverer := &recordingDeliverer{}
	s := New(store, fakeBusy{}, deliverer, Config{Cooldown: time.Millisecond, PerPairDaily: 1, PerAgentDaily: 100})

	ctx := context.Background()
	if err := s.TryWake(ctx, Message{From: "a1", To: "a2"}); err != nil {
		t.Fatalf("first wake should succeed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	err := s.TryWake(ctx, Message{From: "a1", To: "a2"})
	var rej *Rejected
	if !errors.As(err, &rej) || rej.Reason != RejectPerPairDaily {
		t.Fatalf("expected per-pair cap rejection, got %v", err)
	}

	agentCount, _ := store.Get(ctx, agentDayKey("a2"))
	if agentCount != 1 {
		t.Fatalf("expected agent daily counter rolled back to 1, got %d", agentCount)
	}
}

func TestTryWake_BusyTarget(t *testing.T) {
	store := counterstore.NewMemoryStore()
	deliverer := &recordingDeliverer{}
	s := New(store, fakeBusy{busy: map[string]bool{"a2": true}}, deliverer, Config{})

	err := s.TryWake(context.Background(), Message{From: "a1", To: "a2"})
	var rej *Rejected
	if !errors.As(err, &rej) || rej.Reason != RejectBusy {
		t.Fatalf("expected busy rejection, got %v", err)
	}
	if len(deliverer.delivered) != 0 {
		t.Fatalf("expected no delivery to a busy target")
	}
}
