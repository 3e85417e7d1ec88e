package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeSessions struct {
	resetCalled     string
	truncateCalled  string
	summary         string
	compactionCount int
}

func (f *fakeSessions) Reset(sessionKey string) error {
	f.resetCalled = sessionKey
	return nil
}
func (f *fakeSessions) TruncateHistory(sessionKey string, keepLast int) error {
	f.truncateCalled = sessionKey
	return nil
}
func (f *fakeSessions) Summary(sessionKey string) (string, int, int, int) {
	return f.summary, f.compactionCount, 100, 200
}

func keyFn(agentID, chatKey string) string { return fmt.Sprintf("agent:%s:%s", agentID, chatKey) }

func TestDispatch_ModelOverrideRoundTrip(t *testing.T) {
	models := NewModelStore()
	d := New(models, &fakeSessions{}, nil, keyFn)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, "a1", "telegram:direct:1", "u1", "/model gpt-5"); err != nil {
		t.Fatal(err)
	}
	reply, err := d.Dispatch(ctx, "a1", "telegram:direct:1", "u1", "/model")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Current model: gpt-5" {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
}

func TestDispatch_New_ResetsCorrectSessionKey(t *testing.T) {
	sessions := &fakeSessions{}
	d := New(NewModelStore(), sessions, nil, keyFn)
	if _, err := d.Dispatch(context.Background(), "a1", "telegram:direct:1", "u1", "/new"); err != nil {
		t.Fatal(err)
	}
	if sessions.resetCalled != "agent:a1:telegram:direct:1" {
		t.Fatalf("unexpected session key: %q", sessions.resetCalled)
	}
}

func TestDispatch_NotACommandFallsThrough(t *testing.T) {
	d := New(NewModelStore(), &fakeSessions{}, nil, keyFn)
	_, err := d.Dispatch(context.Background(), "a1", "c1", "u1", "hello there")
	if !errors.Is(err, ErrNotACommand) {
		t.Fatalf("expected ErrNotACommand, got %v", err)
	}
}

func TestDispatch_StripsAtBotnameSuffix(t *testing.T) {
	d := New(NewModelStore(), &fakeSessions{}, nil, keyFn)
	reply, err := d.Dispatch(context.Background(), "a1", "c1", "u1", "/status@mybot")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text == "" {
		t.Fatalf("expected a status reply")
	}
}
