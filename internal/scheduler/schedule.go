package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Scheduler holds the in-memory schedule state for every agent and routine
// and answers "what fires next" queries. It does not itself run a fire
// loop — that's the Executor's job (executor.go); Scheduler is the pure,
// lock-protected model the executor polls.
type Scheduler struct {
	mu sync.Mutex

	agentSchedules   map[string]*LegacySchedule    // agentID -> legacy schedule
	routineSchedules map[string]*Routine           // routineID -> routine
	routinesByAgent  map[string]map[string]bool    // agentID -> set of routineID

	// now is overridable for deterministic tests.
	now func() time.Time
}

// NewScheduler constructs an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		agentSchedules:   make(map[string]*LegacySchedule),
		routineSchedules: make(map[string]*Routine),
		routinesByAgent:  make(map[string]map[string]bool),
		now:              time.Now,
	}
}

// SetAgentSchedule installs or replaces an agent's legacy schedule. Rejected
// if the agent already has one or more routines — routines and a legacy
// schedule are mutually exclusive per agent (invariant 1, §8).
func (s *Scheduler) SetAgentSchedule(sched *LegacySchedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.routinesByAgent[sched.AgentID]) > 0 {
		return fmt.Errorf("agent %s: cannot set legacy schedule while routines exist", sched.AgentID)
	}
	s.agentSchedules[sched.AgentID] = sched.clone()
	return nil
}

// SetRoutineSchedule installs or replaces a routine. If this is the first
// routine created for an agent that still carries a legacy schedule, the
// legacy schedule's pending one-offs are migrated onto the new routine and
// the legacy schedule is cleared (the resolved Open Question, SPEC_FULL.md
// "RESOLVED OPEN QUESTION").
func (s *Scheduler) SetRoutineSchedule(r *Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hadRoutine := s.routineSchedules[r.RoutineID]
	set := s.routinesByAgent[r.AgentID]
	isFirstForAgent := len(set) == 0 && !hadRoutine

	stored := r.clone()

	if isFirstForAgent {
		if legacy, ok := s.agentSchedules[r.AgentID]; ok {
			for ms := range legacy.OneOffs {
				stored.OneOffs[ms] = struct{}{}
			}
			delete(s.agentSchedules, r.AgentID)
		}
	}

	s.routineSchedules[r.RoutineID] = stored
	if set == nil {
		set = make(map[string]bool)
		s.routinesByAgent[r.AgentID] = set
	}
	set[r.RoutineID] = true
	return nil
}

// RemoveRoutine deletes a routine. Per the resolved Open Question this never
// touches the agent's legacy schedule (there shouldn't be one left once any
// routine has existed, but we don't resurrect it either way).
func (s *Scheduler) RemoveRoutine(agentID, routineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routineSchedules[routineID]; !ok {
		return fmt.Errorf("routine %s: not found", routineID)
	}
	delete(s.routineSchedules, routineID)
	if set, ok := s.routinesByAgent[agentID]; ok {
		delete(set, routineID)
		if len(set) == 0 {
			delete(s.routinesByAgent, agentID)
		}
	}
	return nil
}

// GetAgentRoutines returns a snapshot of every routine belonging to agentID,
// sorted by RoutineID for stable output.
func (s *Scheduler) GetAgentRoutines(agentID string) []*Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.routinesByAgent[agentID]))
	for id := range s.routinesByAgent[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Routine, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.routineSchedules[id].clone())
	}
	return out
}

// AddOneOffPulse schedules a single extra fire for agentID at t. If the
// agent has one or more routines, the caller must target a specific routine
// via AddOneOffPulseToRoutine instead — adding to the legacy schedule of an
// agent that has routines is rejected, since the legacy schedule is no
// longer authoritative for that agent.
func (s *Scheduler) AddOneOffPulse(agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.routinesByAgent[agentID]) > 0 {
		return fmt.Errorf("agent %s: has routines, target one-off at a specific routine instead", agentID)
	}
	legacy, ok := s.agentSchedules[agentID]
	if !ok {
		return fmt.Errorf("agent %s: no legacy schedule to attach one-off to", agentID)
	}
	legacy.OneOffs[t.UnixMilli()] = struct{}{}
	return nil
}

// AddOneOffPulseToRoutine schedules a single extra fire for a specific routine.
func (s *Scheduler) AddOneOffPulseToRoutine(routineID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routineSchedules[routineID]
	if !ok {
		return fmt.Errorf("routine %s: not found", routineID)
	}
	r.OneOffs[t.UnixMilli()] = struct{}{}
	return nil
}

// RemoveOneOffPulse removes a previously scheduled one-off by its exact
// timestamp, searching the agent's legacy schedule and all its routines.
func (s *Scheduler) RemoveOneOffPulse(agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := t.UnixMilli()
	if legacy, ok := s.agentSchedules[agentID]; ok {
		if _, exists := legacy.OneOffs[ms]; exists {
			delete(legacy.OneOffs, ms)
			return nil
		}
	}
	for routineID := range s.routinesByAgent[agentID] {
		r := s.routineSchedules[routineID]
		if _, exists := r.OneOffs[ms]; exists {
			delete(r.OneOffs, ms)
			return nil
		}
	}
	return fmt.Errorf("agent %s: no one-off pulse at %s", agentID, t)
}

// GetNextPulseTime returns the single next scheduled pulse for agentID
// across its legacy schedule (if it has no routines) or all of its routines
// (if it has any), applying the tie-break rules: earliest scheduledAt wins;
// on an exact tie a one-off beats a recurring pulse; on a further tie,
// stable lexical order on routineID breaks it.
func (s *Scheduler) GetNextPulseTime(agentID string) (*ScheduledPulse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	routineIDs := make([]string, 0, len(s.routinesByAgent[agentID]))
	for id := range s.routinesByAgent[agentID] {
		routineIDs = append(routineIDs, id)
	}

	if len(routineIDs) == 0 {
		legacy, ok := s.agentSchedules[agentID]
		if !ok || !legacy.Enabled {
			return nil, fmt.Errorf("agent %s: no active schedule", agentID)
		}
		pruneExpiredOneOffs(legacy.OneOffs, now)
		t, src := legacy.spec().nextFire(now)
		return &ScheduledPulse{AgentID: agentID, ScheduledAt: t.UnixMilli(), Source: src}, nil
	}

	sort.Strings(routineIDs)
	var best *ScheduledPulse
	for _, id := range routineIDs {
		r := s.routineSchedules[id]
		if !r.Enabled {
			continue
		}
		pruneExpiredOneOffs(r.OneOffs, now)
		t, src := r.spec().nextFire(now)
		cand := &ScheduledPulse{AgentID: agentID, RoutineID: r.RoutineID, RoutineName: r.Name, ScheduledAt: t.UnixMilli(), Source: src}
		best = pickEarlier(best, cand)
	}
	if best == nil {
		return nil, fmt.Errorf("agent %s: no enabled routines", agentID)
	}
	return best, nil
}

// pickEarlier applies the tie-break rules between two candidate pulses,
// either of which may be nil.
func pickEarlier(a, b *ScheduledPulse) *ScheduledPulse {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.ScheduledAt != b.ScheduledAt {
		if a.ScheduledAt < b.ScheduledAt {
			return a
		}
		return b
	}
	if a.Source != b.Source {
		if a.Source == SourceOneOff {
			return a
		}
		if b.Source == SourceOneOff {
			return b
		}
	}
	if a.RoutineID <= b.RoutineID {
		return a
	}
	return b
}

// ConflictSeverity classifies how crowded a conflict window is (§4.1).
type ConflictSeverity string

const (
	ConflictWarning  ConflictSeverity = "warning"
	ConflictCritical ConflictSeverity = "critical"
)

// Conflict groups every pulse scheduled within one minute of its neighbours
// into a single reportable cluster, severity-classified by size.
type Conflict struct {
	Pulses   []ScheduledPulse
	Severity ConflictSeverity
}

// Timeline is the read-only forward projection §4.1 documents as
// `computeTimeline(now, horizonHours) → {windowStart, windowEnd, pulses[],
// conflicts[], summary}`. It never affects firing.
type Timeline struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Pulses      []ScheduledPulse
	Conflicts   []Conflict
	Summary     string
}

// conflictWindow is the §4.1 clustering threshold: pulses scheduled within
// this long of a neighbour join the same conflict cluster.
const conflictWindow = time.Minute

// ComputeTimeline simulates forward from now through horizon, returning
// every pulse each enabled routine/legacy schedule of agentID would fire in
// that window, plus any conflict clusters (§4.1: pulses within one minute of
// each other, `warning` for 2-3 pulses and `critical` for 4 or more).
func (s *Scheduler) ComputeTimeline(agentID string, horizon time.Duration) Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	end := now.Add(horizon)

	type cursor struct {
		spec        fireSpec
		routineID   string
		routineName string
	}
	var cursors []cursor

	if len(s.routinesByAgent[agentID]) == 0 {
		if legacy, ok := s.agentSchedules[agentID]; ok && legacy.Enabled {
			cursors = append(cursors, cursor{spec: legacy.spec()})
		}
	} else {
		ids := make([]string, 0, len(s.routinesByAgent[agentID]))
		for id := range s.routinesByAgent[agentID] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := s.routineSchedules[id]
			if !r.Enabled {
				continue
			}
			cursors = append(cursors, cursor{spec: r.spec(), routineID: r.RoutineID, routineName: r.Name})
		}
	}

	var pulses []ScheduledPulse
	t := now
	for _, c := range cursors {
		walker := t
		spec := c.spec
		for i := 0; i < 10000; i++ { // bounded: pathological tiny intervals
			fireAt, src := spec.nextFire(walker)
			if fireAt.After(end) {
				break
			}
			pulses = append(pulses, ScheduledPulse{
				AgentID: agentID, RoutineID: c.routineID, RoutineName: c.routineName,
				ScheduledAt: fireAt.UnixMilli(), Source: src,
			})
			spec.lastRunAt = fireAt
			walker = fireAt.Add(time.Minute)
		}
	}

	sort.Slice(pulses, func(i, j int) bool { return pulses[i].ScheduledAt < pulses[j].ScheduledAt })
	conflicts := clusterConflicts(pulses)

	summary := fmt.Sprintf("%d pulses scheduled", len(pulses))
	if len(conflicts) > 0 {
		var critical int
		for _, c := range conflicts {
			if c.Severity == ConflictCritical {
				critical++
			}
		}
		summary = fmt.Sprintf("%s, %d conflicts (%d critical)", summary, len(conflicts), critical)
	}

	return Timeline{
		WindowStart: now,
		WindowEnd:   end,
		Pulses:      pulses,
		Conflicts:   conflicts,
		Summary:     summary,
	}
}

// clusterConflicts groups sorted pulses into clusters whose neighbours are
// each within conflictWindow of the previous one, and reports every cluster
// of 2 or more pulses as a Conflict (§4.1: warning for 2-3, critical for 4+).
func clusterConflicts(sortedPulses []ScheduledPulse) []Conflict {
	var conflicts []Conflict
	i := 0
	for i < len(sortedPulses) {
		j := i + 1
		for j < len(sortedPulses) && sortedPulses[j].ScheduledAt-sortedPulses[j-1].ScheduledAt < int64(conflictWindow/time.Millisecond) {
			j++
		}
		if j-i >= 2 {
			severity := ConflictWarning
			if j-i >= 4 {
				severity = ConflictCritical
			}
			cluster := append([]ScheduledPulse(nil), sortedPulses[i:j]...)
			conflicts = append(conflicts, Conflict{Pulses: cluster, Severity: severity})
		}
		i = j
	}
	return conflicts
}

// AutoAssignOffsets spreads N routine offsets evenly across the hour using
// floor(60*k/N), so that routines sharing an interval don't all fire on the
// same minute.
func AutoAssignOffsets(routineIDs []string) map[string]int {
	sorted := append([]string(nil), routineIDs...)
	sort.Strings(sorted)
	out := make(map[string]int, len(sorted))
	n := len(sorted)
	for k, id := range sorted {
		out[id] = (60 * k) / n
	}
	return out
}
