package sessions

import (
	"sync"
	"time"
)

// StickyEntry pins a chat to the agent/routine that last handled it for a
// bounded time, so a follow-up message from the same chat doesn't get
// re-routed to a different binding mid-conversation (§3 "Routing sticky
// entry").
type StickyEntry struct {
	ChatKey   string // e.g. "telegram:direct:12345"
	AgentID   string
	ExpiresAt time.Time
}

func (e StickyEntry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// StickyRouter is a TTL-based sticky-routing table.
type StickyRouter struct {
	mu      sync.Mutex
	entries map[string]StickyEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewStickyRouter constructs a StickyRouter with the given pin duration.
func NewStickyRouter(ttl time.Duration) *StickyRouter {
	return &StickyRouter{entries: make(map[string]StickyEntry), ttl: ttl, now: time.Now}
}

// Resolve returns the pinned agentID for chatKey, if one exists and hasn't
// expired.
func (r *StickyRouter) Resolve(chatKey string) (agentID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[chatKey]
	if !found || e.expired(r.now()) {
		if found {
			delete(r.entries, chatKey)
		}
		return "", false
	}
	return e.AgentID, true
}

// Pin records that chatKey is now routed to agentID, refreshing the TTL.
func (r *StickyRouter) Pin(chatKey, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[chatKey] = StickyEntry{ChatKey: chatKey, AgentID: agentID, ExpiresAt: r.now().Add(r.ttl)}
}

// Clear removes any sticky pin for chatKey, so the next message re-resolves
// from the configured bindings.
func (r *StickyRouter) Clear(chatKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, chatKey)
}

// AllowlistEntry authorizes a specific sender (or "id|username" compound
// identity) to reach a channel under its allowlist policy (§3 "Allowlist
// entry").
type AllowlistEntry struct {
	Channel  string
	PeerKind PeerKind
	SenderID string
	AddedBy  string
	AddedAt  time.Time
}

// Allowlist is a per-channel set of authorized senders, keyed by
// "channel|peerKind|senderID".
type Allowlist struct {
	mu      sync.RWMutex
	entries map[string]AllowlistEntry
}

// NewAllowlist constructs an empty Allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{entries: make(map[string]AllowlistEntry)}
}

func allowlistKey(channel string, kind PeerKind, senderID string) string {
	return channel + "|" + string(kind) + "|" + senderID
}

// Add authorizes senderID on channel/kind.
func (a *Allowlist) Add(channel string, kind PeerKind, senderID, addedBy string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[allowlistKey(channel, kind, senderID)] = AllowlistEntry{
		Channel: channel, PeerKind: kind, SenderID: senderID, AddedBy: addedBy, AddedAt: time.Now(),
	}
}

// Remove revokes a previously authorized sender.
func (a *Allowlist) Remove(channel string, kind PeerKind, senderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, allowlistKey(channel, kind, senderID))
}

// IsAllowed reports whether senderID is authorized on channel/kind.
func (a *Allowlist) IsAllowed(channel string, kind PeerKind, senderID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.entries[allowlistKey(channel, kind, senderID)]
	return ok
}

// List returns every entry for channel, for the admin surface's
// allowlist-inspection command.
func (a *Allowlist) List(channel string) []AllowlistEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []AllowlistEntry
	for _, e := range a.entries {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}
