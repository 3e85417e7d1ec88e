// Package registry tracks which agents currently have an active session, so
// the scheduler's concurrency gate and the wake subsystem's busy guardrail
// can both answer "is this agent doing something right now" without
// depending on each other.
package registry

import (
	"sync"
	"time"
)

// AgentState is a point-in-time snapshot of an agent's activity.
type AgentState struct {
	AgentID        string
	ActiveSessions int
	LastActivity   time.Time
}

// Registry is the §6 "Session registry" external interface: startPulseSession /
// endPulseSession / getAgentState.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]int       // agentID -> active session count
	lastSeen map[string]time.Time // agentID -> last activity
	now      func() time.Time
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]int),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// StartPulseSession marks agentID as having one more active session and
// returns the matching end function. Safe to call from multiple goroutines;
// the end function is idempotent past its first call.
func (r *Registry) StartPulseSession(agentID string) (end func()) {
	r.mu.Lock()
	r.sessions[agentID]++
	r.lastSeen[agentID] = r.now()
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.sessions[agentID] > 0 {
				r.sessions[agentID]--
			}
			r.lastSeen[agentID] = r.now()
		})
	}
}

// EndPulseSession decrements the active-session count for agentID directly,
// for callers that did not retain the closure StartPulseSession returned
// (e.g. a session resumed from a different process after a restart).
func (r *Registry) EndPulseSession(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[agentID] > 0 {
		r.sessions[agentID]--
	}
	r.lastSeen[agentID] = r.now()
}

// GetAgentState returns a snapshot of agentID's current activity.
func (r *Registry) GetAgentState(agentID string) AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return AgentState{
		AgentID:        agentID,
		ActiveSessions: r.sessions[agentID],
		LastActivity:   r.lastSeen[agentID],
	}
}

// IsBusy reports whether agentID has at least one active session, the input
// to the wake subsystem's busy-check guardrail (§4.4).
func (r *Registry) IsBusy(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID] > 0
}

// ActiveRoutineSessions and ActiveAgentSessions satisfy
// scheduler.SessionRegistry when routine-level granularity isn't needed.
// No per-routine count is kept: ActiveRoutineSessions looks its argument up
// as an agent ID, so a routine ID (which is what the Gate passes) finds no
// entry and yields 0. Components that need true per-routine caps should use
// scheduler.InMemoryRegistry instead; this method set exists so a single
// shared Registry can back the gate's per-agent cap while channels/wake
// read IsBusy/GetAgentState.
func (r *Registry) ActiveRoutineSessions(agentID string) int { return r.ActiveAgentSessions(agentID) }

func (r *Registry) ActiveAgentSessions(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}
