// Package streamer implements the §4.6 Session Streamer: it turns the raw
// event firehose a running session emits (thinking deltas, output deltas,
// tool start/end, step/turn boundaries) into coalesced, UI-ready updates
// published onto the session's event bus stream.
package streamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// blockKind distinguishes the two live text buffers a turn can have open at
// once: the model's visible output and its (optional) thinking trace.
type blockKind string

const (
	blockNone     blockKind = ""
	blockText     blockKind = "text"
	blockThinking blockKind = "thinking"
)

// toolCall tracks an in-flight tool invocation between tool_start and tool_end.
type toolCall struct {
	ID        string
	Name      string
	StartedAt time.Time
	span      oteltrace.Span
}

// Streamer coalesces raw deltas for one session into flush-rate-limited
// structural events, publishing everything through an eventbus.Bus.
type Streamer struct {
	bus       eventbus.Bus
	sessionID string

	flushEvery time.Duration

	mu            sync.Mutex
	activeBlock   blockKind
	textBuf       string
	thinkingBuf   string
	inflightTools map[string]*toolCall

	flushTimer *time.Timer
	closed     bool

	turnCtx  context.Context
	turnSpan oteltrace.Span
}

// DefaultFlushInterval matches a ~60Hz UI refresh rate, playing the role a
// browser's requestAnimationFrame would in a server-side equivalent.
const DefaultFlushInterval = 16 * time.Millisecond

// New constructs a Streamer for sessionID, publishing through bus.
func New(bus eventbus.Bus, sessionID string, flushEvery time.Duration) *Streamer {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	return &Streamer{
		bus:           bus,
		sessionID:     sessionID,
		flushEvery:    flushEvery,
		inflightTools: make(map[string]*toolCall),
	}
}

func (s *Streamer) publish(ctx context.Context, typ string, payload map[string]any) error {
	_, err := s.bus.Publish(ctx, s.sessionID, eventbus.Event{Type: typ, Payload: payload})
	if err != nil {
		return fmt.Errorf("streamer: publish %s: %w", typ, err)
	}
	return nil
}

// TurnStart opens a new turn, publishing turn_start immediately (structural
// events are never coalesced) and starting the span that parents every span
// this turn's tool calls open.
func (s *Streamer) TurnStart(ctx context.Context) error {
	turnCtx, span := tracing.Tracer().Start(ctx, "streamer.turn",
		oteltrace.WithAttributes(attribute.String("session_id", s.sessionID)))
	s.mu.Lock()
	s.turnCtx = turnCtx
	s.turnSpan = span
	s.mu.Unlock()
	return s.publish(ctx, eventbus.EventTurnStart, nil)
}

// ThinkingDelta appends to the thinking buffer, opening a thinking block if
// none is active, and schedules a coalesced flush.
func (s *Streamer) ThinkingDelta(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.activeBlock == blockText {
		s.mu.Unlock()
		if err := s.flushNow(ctx); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.activeBlock = blockThinking
	s.thinkingBuf += text
	s.mu.Unlock()
	s.scheduleFlush(ctx)
	return nil
}

// OutputDelta appends to the output text buffer, closing any open thinking
// block first (a text delta always supersedes an open thinking block).
func (s *Streamer) OutputDelta(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.activeBlock == blockThinking {
		s.mu.Unlock()
		if err := s.flushNow(ctx); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.activeBlock = blockText
	s.textBuf += text
	s.mu.Unlock()
	s.scheduleFlush(ctx)
	return nil
}

// ToolStart closes any open text/thinking block (flushing it) and publishes
// tool_start immediately, opening a child span under the turn's span.
func (s *Streamer) ToolStart(ctx context.Context, id, name string) error {
	if err := s.flushNow(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	parent := s.turnCtx
	if parent == nil {
		parent = ctx
	}
	_, span := tracing.Tracer().Start(parent, "streamer.tool",
		oteltrace.WithAttributes(attribute.String("tool_name", name), attribute.String("tool_call_id", id)))
	s.inflightTools[id] = &toolCall{ID: id, Name: name, StartedAt: time.Now(), span: span}
	s.mu.Unlock()
	return s.publish(ctx, eventbus.EventToolStart, map[string]any{"id": id, "name": name})
}

// ToolEnd closes an in-flight tool call, ends its span, and publishes tool_end.
func (s *Streamer) ToolEnd(ctx context.Context, id string, result any, toolErr error) error {
	s.mu.Lock()
	call, ok := s.inflightTools[id]
	delete(s.inflightTools, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("streamer: tool_end for unknown tool call %s", id)
	}
	tracing.SetErr(call.span, toolErr)
	call.span.End()
	payload := map[string]any{"id": id, "name": call.Name, "duration_ms": time.Since(call.StartedAt).Milliseconds()}
	if toolErr != nil {
		payload["error"] = toolErr.Error()
	} else {
		payload["result"] = result
	}
	return s.publish(ctx, eventbus.EventToolEnd, payload)
}

// StepEnd flushes any open block and publishes step_end(success), marking a
// synchronization point clients can use to checkpoint UI state. success=false
// tells consumers to append an error message (§4.6).
func (s *Streamer) StepEnd(ctx context.Context, success bool) error {
	if err := s.flushNow(ctx); err != nil {
		return err
	}
	return s.publish(ctx, eventbus.EventStepEnd, map[string]any{"success": success})
}

// TurnEnd commits every still-open placeholder (text/thinking blocks,
// any tool calls that never got a matching ToolEnd) and publishes turn_end.
// This is the "commit-all-open-placeholders" rule: a turn_end must never
// leave a client with a dangling in-progress block.
func (s *Streamer) TurnEnd(ctx context.Context, aborted bool) error {
	if err := s.flushNow(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	stale := make([]*toolCall, 0, len(s.inflightTools))
	for id, call := range s.inflightTools {
		stale = append(stale, call)
		delete(s.inflightTools, id)
	}
	s.mu.Unlock()

	for _, call := range stale {
		tracing.SetErr(call.span, fmt.Errorf("turn ended before tool call completed"))
		call.span.End()
		if err := s.publish(ctx, eventbus.EventToolEnd, map[string]any{
			"id": call.ID, "name": call.Name, "error": "turn ended before tool call completed",
		}); err != nil {
			return err
		}
	}

	if aborted {
		if err := s.publish(ctx, eventbus.EventResponseAborted, nil); err != nil {
			return err
		}
	}
	err := s.publish(ctx, eventbus.EventTurnEnd, map[string]any{"aborted": aborted})

	s.mu.Lock()
	if s.turnSpan != nil {
		if aborted {
			s.turnSpan.SetAttributes(attribute.Bool("aborted", true))
		}
		s.turnSpan.End()
		s.turnSpan = nil
		s.turnCtx = nil
	}
	s.mu.Unlock()

	return err
}

// scheduleFlush arms a one-shot timer so rapid successive deltas coalesce
// into a single flush instead of one event per token.
func (s *Streamer) scheduleFlush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushTimer != nil || s.closed {
		return
	}
	s.flushTimer = time.AfterFunc(s.flushEvery, func() {
		_ = s.flushNow(ctx)
	})
}

// flushNow publishes the current buffer contents (if any) as a single delta
// event and clears them, regardless of any pending timer.
func (s *Streamer) flushNow(ctx context.Context) error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	block := s.activeBlock
	var text string
	switch block {
	case blockText:
		text = s.textBuf
		s.textBuf = ""
	case blockThinking:
		text = s.thinkingBuf
		s.thinkingBuf = ""
	default:
		s.mu.Unlock()
		return nil
	}
	s.activeBlock = blockNone
	s.mu.Unlock()

	if text == "" {
		return nil
	}
	typ := eventbus.EventOutputDelta
	if block == blockThinking {
		typ = eventbus.EventThinkingDelta
	}
	return s.publish(ctx, typ, map[string]any{"text": text})
}

// Close stops any pending flush timer without publishing; callers should
// have already called TurnEnd to commit open state before closing.
func (s *Streamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}
