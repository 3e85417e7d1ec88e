// Package clientstream implements the §4.7 Client Stream State Machine: the
// consumer side of an eventbus.Bus subscription, responsible for
// reconnect-safe replay. A client that reconnects mid-session must not
// double-apply events it already durably has, and must not drop events that
// arrived in the gap between "history loaded" and "live subscription
// attached".
package clientstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
)

// Sink is where reconciled events ultimately go — a UI renderer, a test
// recorder, whatever the embedding application wants.
type Sink interface {
	Apply(ev eventbus.Event)
	ReplayTruncated()
}

// stage tracks where the two-stage bootstrap currently is.
type stage int

const (
	stageLoadingHistory stage = iota // subscribed, queuing live events, history fetch in flight
	stageLive                        // history applied, live events applied directly
)

// Client drives one session's reconnect-safe event pipeline.
type Client struct {
	bus       eventbus.Bus
	sessionID string
	sink      Sink

	mu       sync.Mutex
	st       stage
	cursor   string // highest cursor applied so far
	queued   []eventbus.Event
}

// New constructs a Client for sessionID. Call Bootstrap to begin receiving
// events; Client does not start itself.
func New(bus eventbus.Bus, sessionID string, sink Sink) *Client {
	return &Client{bus: bus, sessionID: sessionID, sink: sink, st: stageLoadingHistory}
}

// Bootstrap performs the two-stage reconciliation:
//  1. Subscribe first, so any event published after this point is queued
//     rather than missed.
//  2. Load durable history from lastCursor (empty on first connect), apply
//     it, and advance the cursor.
//  3. Drain anything queued during step 2, dropping entries whose cursor is
//     already covered by the history replay, then switch to live mode where
//     subsequent events are applied directly as they arrive.
func (c *Client) Bootstrap(ctx context.Context, lastCursor string) (cancel func(), err error) {
	events, cancelSub, err := c.bus.Subscribe(ctx, c.sessionID)
	if err != nil {
		return nil, fmt.Errorf("clientstream: subscribe: %w", err)
	}

	go c.consumeLive(events)

	history, truncated, err := c.bus.ReplayFrom(ctx, c.sessionID, lastCursor)
	if err != nil {
		cancelSub()
		return nil, fmt.Errorf("clientstream: replay: %w", err)
	}
	if truncated {
		c.sink.ReplayTruncated()
	}

	c.mu.Lock()
	for _, ev := range history {
		c.applyLocked(ev)
	}
	queued := c.queued
	c.queued = nil
	c.st = stageLive
	c.mu.Unlock()

	for _, ev := range queued {
		c.mu.Lock()
		c.dropOrApplyLocked(ev)
		c.mu.Unlock()
	}

	return cancelSub, nil
}

// consumeLive is the subscription goroutine: during bootstrap it queues
// events; once live, it applies them directly. The cursor always advances
// regardless of whether the event was applied or dropped as a duplicate, so
// a later reconnect resumes from the right place.
func (c *Client) consumeLive(events <-chan eventbus.Event) {
	for ev := range events {
		c.mu.Lock()
		if c.st == stageLoadingHistory {
			c.queued = append(c.queued, ev)
		} else {
			c.dropOrApplyLocked(ev)
		}
		c.mu.Unlock()
	}
}

// dropOrApplyLocked applies ev unless its cursor is already covered by what
// history replay (or an earlier live event) already advanced past.
func (c *Client) dropOrApplyLocked(ev eventbus.Event) {
	if c.cursor != "" && !cursorAfter(ev.Cursor, c.cursor) {
		return // already durable; drop to avoid double-apply
	}
	c.applyLocked(ev)
}

func (c *Client) applyLocked(ev eventbus.Event) {
	c.sink.Apply(ev)
	c.cursor = ev.Cursor
}

// cursorAfter reports whether a is strictly after b. Cursors are opaque
// bus-assigned strings; callers needing ordering guarantees rely on the
// bus's own monotonic assignment, so a simple string inequality check
// combined with length is sufficient for the numeric-style cursors both
// bus implementations hand out here.
func cursorAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// Cursor returns the highest cursor applied so far, to persist for the next
// reconnect.
func (c *Client) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}
