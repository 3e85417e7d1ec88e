package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
)

// SessionRegistry is the external interface the Concurrency Gate consults
// to learn how many pulse sessions are currently running for a routine or
// an agent (§6 "Session registry"). The scheduler package only consumes it.
type SessionRegistry interface {
	ActiveRoutineSessions(routineID string) int
	ActiveAgentSessions(agentID string) int
}

// Gate enforces the two-level concurrency cap (per-routine, per-agent) and
// tracks consecutive skips so a perpetually-busy routine surfaces a warning
// instead of silently never firing.
type Gate struct {
	mu sync.Mutex

	registry SessionRegistry

	routineCap map[string]int // routineID -> max concurrent sessions (default 1)
	agentCap   map[string]int // agentID -> max concurrent sessions across its routines (default DefaultMaxConcurrentPulseSessions)

	skips        map[string]int // routineID -> consecutive skip count
	warnAt       int            // warn once skips reaches this many in a row
	warnedAlready map[string]bool
}

// NewGate constructs a Gate backed by registry. warnThreshold <= 0 defaults
// to DefaultMaxConsecutiveSkips.
func NewGate(registry SessionRegistry, warnThreshold int) *Gate {
	if warnThreshold <= 0 {
		warnThreshold = DefaultMaxConsecutiveSkips
	}
	return &Gate{
		registry:       registry,
		routineCap:     make(map[string]int),
		agentCap:       make(map[string]int),
		skips:          make(map[string]int),
		warnAt:         warnThreshold,
		warnedAlready:  make(map[string]bool),
	}
}

// SetRoutineCap overrides the per-routine concurrency cap (default 1 if unset).
func (g *Gate) SetRoutineCap(routineID string, max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routineCap[routineID] = max
}

// SetAgentCap overrides the per-agent concurrency cap (default
// DefaultMaxConcurrentPulseSessions if unset).
func (g *Gate) SetAgentCap(agentID string, max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agentCap[agentID] = max
}

// DefaultMaxConcurrentPulseSessions is the §4.2 default for
// maxConcurrentPulseSessions: up to 2 pulses may run concurrently for the
// same agent across its different routines.
const DefaultMaxConcurrentPulseSessions = 2

func (g *Gate) capFor(m map[string]int, key string, dflt int) int {
	if v, ok := m[key]; ok && v > 0 {
		return v
	}
	return dflt
}

// Admit decides whether a pulse for (agentID, routineID) may start now. If
// refused, it increments the routine's consecutive-skip counter and reports
// whether this skip just crossed the warning threshold (so the caller can
// emit a single warning log rather than one per tick). A successful Admit
// resets the counter to zero.
func (g *Gate) Admit(agentID, routineID string) (admitted bool, consecutiveSkips int, crossedWarnThreshold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	routineActive := g.registry.ActiveRoutineSessions(routineID)
	agentActive := g.registry.ActiveAgentSessions(agentID)

	if routineActive >= g.capFor(g.routineCap, routineID, 1) || agentActive >= g.capFor(g.agentCap, agentID, DefaultMaxConcurrentPulseSessions) {
		g.skips[routineID]++
		n := g.skips[routineID]
		crossed := n >= g.warnAt && !g.warnedAlready[routineID]
		if crossed {
			g.warnedAlready[routineID] = true
			slog.Warn("scheduler.consecutive_skips", "agent", agentID, "routine", routineID, "skips", n)
		}
		return false, n, crossed
	}

	g.skips[routineID] = 0
	g.warnedAlready[routineID] = false
	return true, 0, false
}

// ConsecutiveSkips reports the current streak for routineID without mutating it.
func (g *Gate) ConsecutiveSkips(routineID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.skips[routineID]
}

// NewInMemoryRegistry returns a SessionRegistry with Start/End mutators,
// useful for tests and for running the executor without Redis.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		byRoutine: make(map[string]int),
		byAgent:   make(map[string]int),
	}
}

// InMemoryRegistry is a mutable, in-process SessionRegistry that counts
// active sessions per routine and per agent.
type InMemoryRegistry struct {
	mu        sync.Mutex
	byRoutine map[string]int
	byAgent   map[string]int
}

func (r *InMemoryRegistry) ActiveRoutineSessions(routineID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byRoutine[routineID]
}

func (r *InMemoryRegistry) ActiveAgentSessions(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAgent[agentID]
}

// StartPulseSession marks a session as active for routineID/agentID. The
// returned func ends it; calling it twice is a no-op past the first call.
func (r *InMemoryRegistry) StartPulseSession(agentID, routineID string) (end func()) {
	r.mu.Lock()
	r.byRoutine[routineID]++
	r.byAgent[agentID]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.byRoutine[routineID] > 0 {
				r.byRoutine[routineID]--
			}
			if r.byAgent[agentID] > 0 {
				r.byAgent[agentID]--
			}
		})
	}
}

var _ SessionRegistry = (*InMemoryRegistry)(nil)

// ErrSkipped is returned by the executor when Admit refuses a pulse.
type ErrSkipped struct {
	AgentID          string
	RoutineID        string
	ConsecutiveSkips int
}

func (e *ErrSkipped) Error() string {
	return fmt.Sprintf("agent %s routine %s: skipped, concurrency cap reached (%d consecutive)", e.AgentID, e.RoutineID, e.ConsecutiveSkips)
}
