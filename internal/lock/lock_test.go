package lock

import (
	"context"
	"testing"
	"time"
)

func TestLocalManager_AcquireAlwaysSucceeds(t *testing.T) {
	m := NewLocalManager()

	l1, err := m.Acquire(context.Background(), "bridge:telegram", time.Second)
	if err != nil {
		t.Fatalf("expected local acquire to succeed: %v", err)
	}
	l2, err := m.Acquire(context.Background(), "bridge:telegram", time.Second)
	if err != nil {
		t.Fatalf("expected second local acquire to also succeed (no contention): %v", err)
	}
	if l1.Key() != l2.Key() {
		t.Fatalf("expected both locks to carry the requested key")
	}
}

func TestLocalManager_ReleaseAndRenewAreNoops(t *testing.T) {
	m := NewLocalManager()
	l, err := m.Acquire(context.Background(), "bridge:discord", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("expected release of a local lock to be a no-op, got %v", err)
	}
	if err := l.Renew(context.Background(), time.Minute); err != nil {
		t.Fatalf("expected renew of a local lock to be a no-op, got %v", err)
	}
}
