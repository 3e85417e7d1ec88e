// Package commands implements the §4.9 in-band command dispatcher: a small
// set of slash commands any channel adapter can recognize in an inbound
// message before forwarding it to the agent loop as ordinary conversation.
package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Request is the channel-agnostic shape a command handler needs, built by
// the channel adapter from its own wire format.
type Request struct {
	AgentID  string
	ChatKey  string // e.g. "telegram|direct|12345", used as the model-override map key
	SenderID string
	Args     string // text following the command token, trimmed
}

// Reply is what a handler wants sent back to the chat.
type Reply struct {
	Text string
}

// Handler implements one slash command.
type Handler func(ctx context.Context, req Request) (Reply, error)

// ModelStore tracks the per-chat model override the /model command sets,
// consulted by the session runner when starting a new run.
type ModelStore struct {
	mu        sync.RWMutex
	overrides map[string]string // chatKey -> model id
}

// NewModelStore constructs an empty ModelStore.
func NewModelStore() *ModelStore {
	return &ModelStore{overrides: make(map[string]string)}
}

func (m *ModelStore) Set(chatKey, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[chatKey] = model
}

func (m *ModelStore) Get(chatKey string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.overrides[chatKey]
	return v, ok
}

func (m *ModelStore) Clear(chatKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, chatKey)
}

// SessionResetter is consumed by /new and /compact to act on the session
// store without the commands package depending on it directly.
type SessionResetter interface {
	Reset(sessionKey string) error
	TruncateHistory(sessionKey string, keepLast int) error
	Summary(sessionKey string) (summary string, compactionCount int, inputTokens, outputTokens int)
}

// Dispatcher owns the favorites list and wires the built-in handlers
// against a ModelStore and SessionResetter.
type Dispatcher struct {
	handlers   map[string]Handler
	models     *ModelStore
	favorites  []string
	sessions   SessionResetter
	sessionKey func(agentID, chatKey string) string
}

// New constructs a Dispatcher with the standard command set registered.
// sessionKeyFn builds the storage-layer session key from an agent id and
// chat key, matching whatever convention internal/sessions uses.
func New(models *ModelStore, sessions SessionResetter, favorites []string, sessionKeyFn func(agentID, chatKey string) string) *Dispatcher {
	d := &Dispatcher{
		handlers:   make(map[string]Handler),
		models:     models,
		favorites:  favorites,
		sessions:   sessions,
		sessionKey: sessionKeyFn,
	}
	d.registerBuiltins()
	return d
}

// Register adds or overrides a command handler. name must include the
// leading slash, e.g. "/help".
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[strings.ToLower(name)] = h
}

// IsCommand reports whether text looks like a slash command.
func IsCommand(text string) bool {
	return len(text) > 1 && text[0] == '/'
}

// Dispatch parses text as "/command rest-of-line" and runs the matching
// handler, falling through with (Reply{}, ErrNotACommand) if nothing
// matches so the caller can forward the message to the agent loop instead.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, chatKey, senderID, text string) (Reply, error) {
	if !IsCommand(text) {
		return Reply{}, ErrNotACommand
	}
	fields := strings.SplitN(strings.TrimSpace(text), " ", 2)
	name := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0]) // strip telegram's "@botname" suffix
	args := ""
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}

	h, ok := d.handlers[name]
	if !ok {
		return Reply{}, ErrNotACommand
	}
	return h(ctx, Request{AgentID: agentID, ChatKey: chatKey, SenderID: senderID, Args: args})
}

// ErrNotACommand signals Dispatch saw no matching handler.
var ErrNotACommand = fmt.Errorf("commands: not a recognized command")

func (d *Dispatcher) registerBuiltins() {
	d.Register("/help", func(ctx context.Context, req Request) (Reply, error) {
		return Reply{Text: "Commands: /help /new /model <name> /modelfavs /context /compact /status"}, nil
	})

	d.Register("/new", func(ctx context.Context, req Request) (Reply, error) {
		key := d.sessionKey(req.AgentID, req.ChatKey)
		if err := d.sessions.Reset(key); err != nil {
			return Reply{}, fmt.Errorf("commands: /new: %w", err)
		}
		return Reply{Text: "Started a new conversation."}, nil
	})

	d.Register("/model", func(ctx context.Context, req Request) (Reply, error) {
		if req.Args == "" {
			current, ok := d.models.Get(req.ChatKey)
			if !ok {
				return Reply{Text: "No model override set; using the agent's default."}, nil
			}
			return Reply{Text: fmt.Sprintf("Current model: %s", current)}, nil
		}
		d.models.Set(req.ChatKey, req.Args)
		return Reply{Text: fmt.Sprintf("Model set to %s for this chat.", req.Args)}, nil
	})

	d.Register("/modelfavs", func(ctx context.Context, req Request) (Reply, error) {
		if len(d.favorites) == 0 {
			return Reply{Text: "No favorite models configured."}, nil
		}
		return Reply{Text: "Favorite models:\n" + strings.Join(d.favorites, "\n")}, nil
	})

	d.Register("/context", func(ctx context.Context, req Request) (Reply, error) {
		key := d.sessionKey(req.AgentID, req.ChatKey)
		summary, compactions, in, out := d.sessions.Summary(key)
		if summary == "" {
			summary = "(no summary yet)"
		}
		return Reply{Text: fmt.Sprintf("Compactions: %d\nTokens in/out: %d/%d\nSummary: %s", compactions, in, out, summary)}, nil
	})

	d.Register("/compact", func(ctx context.Context, req Request) (Reply, error) {
		key := d.sessionKey(req.AgentID, req.ChatKey)
		if err := d.sessions.TruncateHistory(key, 4); err != nil {
			return Reply{}, fmt.Errorf("commands: /compact: %w", err)
		}
		return Reply{Text: "Conversation history compacted."}, nil
	})

	d.Register("/status", func(ctx context.Context, req Request) (Reply, error) {
		model, hasOverride := d.models.Get(req.ChatKey)
		if !hasOverride {
			model = "default"
		}
		return Reply{Text: fmt.Sprintf("Agent: %s\nModel: %s", req.AgentID, model)}, nil
	})
}
