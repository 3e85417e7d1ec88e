// Package eventbus implements the §4.5 per-session event stream: a durable,
// replay-capable, cursor-ordered log of events for a single session, fed by
// the session streaming core and consumed by any number of connected
// clients (including ones that reconnect mid-stream and need to replay from
// a cursor).
package eventbus

import (
	"context"
	"fmt"
)

// Event is one entry in a session's stream. Cursor is assigned by the bus on
// publish and is monotonically increasing within a session.
type Event struct {
	Cursor    string
	SessionID string
	Type      string
	Payload   map[string]any
}

// Structural vs token event type constants (§3, §4.5).
const (
	EventTurnStart       = "turn_start"
	EventThinkingDelta    = "thinking_delta"
	EventOutputDelta      = "output_delta"
	EventToolStart        = "tool_start"
	EventToolEnd          = "tool_end"
	EventStepEnd          = "step_end"
	EventTurnEnd          = "turn_end"
	EventResponseAborted  = "response_aborted"
	EventPipelineStart    = "pipeline_start"
	EventPipelineStageEnd = "pipeline_stage_end"
	EventPipelineEnd      = "pipeline_end"
)

// ErrNoSuchSession is returned when replay is requested for a session the
// bus has never seen (as opposed to one that simply has no events yet).
var ErrNoSuchSession = fmt.Errorf("eventbus: no such session")

// Bus is the interface the session streamer publishes through and clients
// subscribe/replay through (§6 "Event bus").
type Bus interface {
	// Publish appends ev to sessionID's stream, assigning its Cursor, and
	// fans it out to any live subscribers.
	Publish(ctx context.Context, sessionID string, ev Event) (Event, error)

	// Subscribe returns a channel of events published to sessionID from
	// this call onward. The returned cancel func must be called to release
	// the subscription.
	Subscribe(ctx context.Context, sessionID string) (events <-chan Event, cancel func(), err error)

	// ReplayFrom returns every event published to sessionID with a cursor
	// strictly after `after` (empty string means "from the beginning"), in
	// order. truncated is true if the bus could not satisfy a full replay
	// (e.g. the durable history has been trimmed past `after`).
	ReplayFrom(ctx context.Context, sessionID string, after string) (events []Event, truncated bool, err error)
}
