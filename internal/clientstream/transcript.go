package clientstream

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
)

// blockKind tracks which of the two live text buffers a turn has open,
// mirroring streamer.blockKind on the producer side.
type blockKind string

const (
	blockNone     blockKind = ""
	blockThinking blockKind = "thinking"
	blockOutput   blockKind = "output"
)

// MessageRole distinguishes the kinds of entries a Transcript commits.
type MessageRole string

const (
	RoleAssistant MessageRole = "assistant"
	RoleThinking  MessageRole = "thinking"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// Message is one committed entry in a Transcript's ordered structural
// message list.
type Message struct {
	Role       MessageRole
	Text       string
	ToolCallID string
	ToolName   string
	ToolResult any
	ToolError  string
	ToolDone   bool
}

// Transcript is the §4.6 Session Streamer consumer: it turns a session's
// raw event stream into the ordered structural message list a UI renders,
// coalescing token deltas into whichever block is currently open and
// committing a structural message the moment that block closes. It
// implements Sink, so it can be handed directly to Client.
type Transcript struct {
	mu sync.Mutex

	Messages []Message

	activeBlock blockKind
	buf         string

	inflightTools map[string]int // toolCallId -> index into Messages

	aborted    bool
	truncation int

	// OnTurnEnd is invoked once per turn_end that was not preceded by a
	// response_aborted in the same turn. ok reflects the payload's
	// "aborted" flag negated: a turn that aborted never reaches here,
	// since the abort already committed the turn's state (§4.6, §7
	// "Abort-then-turn-end").
	OnTurnEnd func(ok bool)
}

// NewTranscript constructs an empty Transcript. onTurnEnd may be nil.
func NewTranscript(onTurnEnd func(ok bool)) *Transcript {
	return &Transcript{inflightTools: make(map[string]int), OnTurnEnd: onTurnEnd}
}

// Apply implements Sink, applying one event's effect to the transcript.
func (t *Transcript) Apply(ev eventbus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case eventbus.EventThinkingDelta:
		t.openBlockLocked(blockThinking)
		t.buf += textOf(ev)
	case eventbus.EventOutputDelta:
		t.openBlockLocked(blockOutput)
		t.buf += textOf(ev)
	case eventbus.EventToolStart:
		t.commitOpenBlockLocked()
		id, _ := ev.Payload["id"].(string)
		name, _ := ev.Payload["name"].(string)
		t.Messages = append(t.Messages, Message{Role: RoleTool, ToolCallID: id, ToolName: name})
		t.inflightTools[id] = len(t.Messages) - 1
	case eventbus.EventToolEnd:
		t.applyToolEndLocked(ev)
	case eventbus.EventStepEnd:
		t.commitOpenBlockLocked()
		if success, ok := ev.Payload["success"].(bool); ok && !success {
			t.Messages = append(t.Messages, Message{Role: RoleSystem,
				Text: "agent failed to respond — check provider configuration"})
		}
	case eventbus.EventResponseAborted:
		t.commitOpenBlockLocked()
		t.appendStoppedLocked()
		t.aborted = true
	case eventbus.EventTurnEnd:
		t.commitOpenBlockLocked()
		if t.aborted {
			// The preceding response_aborted already committed this turn's
			// state; running the normal turn_end side effects again would
			// overwrite the locally-committed "[stopped]" partial.
			t.aborted = false
			return
		}
		if t.OnTurnEnd != nil {
			aborted, _ := ev.Payload["aborted"].(bool)
			t.OnTurnEnd(!aborted)
		}
	}
}

// ReplayTruncated implements Sink: the bus could not satisfy a full replay,
// so the transcript records a marker rather than silently showing a gap.
func (t *Transcript) ReplayTruncated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.truncation++
	t.Messages = append(t.Messages, Message{Role: RoleSystem, Text: "session_status: replay_truncated"})
}

func (t *Transcript) openBlockLocked(kind blockKind) {
	if t.activeBlock != blockNone && t.activeBlock != kind {
		t.commitOpenBlockLocked()
	}
	t.activeBlock = kind
}

// commitOpenBlockLocked closes the active block (if any) as a done
// structural message and resets the accumulator.
func (t *Transcript) commitOpenBlockLocked() {
	block, buf := t.activeBlock, t.buf
	t.activeBlock, t.buf = blockNone, ""
	if block == blockNone || buf == "" {
		return
	}
	role := RoleAssistant
	if block == blockThinking {
		role = RoleThinking
	}
	t.Messages = append(t.Messages, Message{Role: role, Text: buf})
}

// appendStoppedLocked appends "[stopped]" to the most recent assistant
// message, or a standalone system message if none exists yet (§4.6).
func (t *Transcript) appendStoppedLocked() {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleAssistant {
			t.Messages[i].Text += "[stopped]"
			return
		}
	}
	t.Messages = append(t.Messages, Message{Role: RoleSystem, Text: "Response stopped"})
}

// applyToolEndLocked resolves the placeholder tool_start opened, preferring
// the matching toolCallId and falling back to the most recent unterminated
// tool call when the id is unknown (§4.6 tool_end transition).
func (t *Transcript) applyToolEndLocked(ev eventbus.Event) {
	id, _ := ev.Payload["id"].(string)
	idx, ok := t.inflightTools[id]
	if ok {
		delete(t.inflightTools, id)
	} else {
		idx = t.mostRecentUnterminatedToolLocked()
		if idx < 0 {
			return
		}
	}
	if errStr, ok := ev.Payload["error"].(string); ok && errStr != "" {
		t.Messages[idx].ToolError = errStr
	} else {
		t.Messages[idx].ToolResult = ev.Payload["result"]
	}
	t.Messages[idx].ToolDone = true
}

func (t *Transcript) mostRecentUnterminatedToolLocked() int {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleTool && !t.Messages[i].ToolDone {
			return i
		}
	}
	return -1
}

func textOf(ev eventbus.Event) string {
	if ev.Payload == nil {
		return ""
	}
	s, _ := ev.Payload["text"].(string)
	return s
}
