package scheduler

import (
	"testing"
	"time"
)

func mustRoutine(t *testing.T, agentID, routineID string, interval, offset int) *Routine {
	t.Helper()
	r := &Routine{
		RoutineID: routineID, AgentID: agentID, Name: routineID,
		IntervalMinutes: interval, OffsetMinutes: offset,
		Enabled: true, OneOffs: map[int64]struct{}{},
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("validate routine: %v", err)
	}
	return r
}

func TestNextAlignedAtOrAfter_OffsetBoundary(t *testing.T) {
	// interval=30, offset=5: fires at minute 5 and 35 of every hour.
	from := time.Date(2026, 7, 30, 10, 5, 0, 0, time.UTC)
	got := nextAlignedAtOrAfter(from, 30, 5)
	if !got.Equal(from) {
		t.Fatalf("expected exact boundary match at %v, got %v", from, got)
	}

	from2 := time.Date(2026, 7, 30, 10, 5, 1, 0, time.UTC)
	got2 := nextAlignedAtOrAfter(from2, 30, 5)
	want2 := time.Date(2026, 7, 30, 10, 35, 0, 0, time.UTC)
	if !got2.Equal(want2) {
		t.Fatalf("expected next boundary %v, got %v", want2, got2)
	}
}

func TestRecurringBlackout_MidnightWrap(t *testing.T) {
	loc := time.UTC
	b := Blackout{StartTime: "22:00", EndTime: "07:00"}

	inside := time.Date(2026, 7, 30, 23, 30, 0, 0, loc)
	end, active := b.endIfActive(inside)
	if !active {
		t.Fatalf("expected blackout active at %v", inside)
	}
	wantEnd := time.Date(2026, 7, 31, 7, 0, 0, 0, loc)
	if !end.Equal(wantEnd) {
		t.Fatalf("expected blackout end %v, got %v", wantEnd, end)
	}

	insideEarly := time.Date(2026, 7, 30, 3, 0, 0, 0, loc)
	end2, active2 := b.endIfActive(insideEarly)
	if !active2 {
		t.Fatalf("expected blackout active at %v", insideEarly)
	}
	wantEnd2 := time.Date(2026, 7, 30, 7, 0, 0, 0, loc)
	if !end2.Equal(wantEnd2) {
		t.Fatalf("expected blackout end %v, got %v", wantEnd2, end2)
	}

	outside := time.Date(2026, 7, 30, 12, 0, 0, 0, loc)
	if _, active3 := b.endIfActive(outside); active3 {
		t.Fatalf("expected no blackout at %v", outside)
	}
}

func TestSetRoutineSchedule_MigratesLegacyOneOffs(t *testing.T) {
	s := NewScheduler()
	legacy := &LegacySchedule{AgentID: "a1", IntervalMinutes: 60, Enabled: true, OneOffs: map[int64]struct{}{}}
	if err := legacy.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAgentSchedule(legacy); err != nil {
		t.Fatal(err)
	}

	oneOffAt := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := s.AddOneOffPulse("a1", oneOffAt); err != nil {
		t.Fatal(err)
	}

	r := mustRoutine(t, "a1", "r1", 60, 0)
	if err := s.SetRoutineSchedule(r); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	_, stillLegacy := s.agentSchedules["a1"]
	migrated := s.routineSchedules["r1"]
	s.mu.Unlock()
	if stillLegacy {
		t.Fatalf("expected legacy schedule to be cleared after first routine created")
	}
	if _, ok := migrated.OneOffs[oneOffAt.UnixMilli()]; !ok {
		t.Fatalf("expected one-off to migrate onto new routine")
	}
}

func TestAddOneOffPulse_RejectedWhenRoutinesExist(t *testing.T) {
	s := NewScheduler()
	r := mustRoutine(t, "a1", "r1", 60, 0)
	if err := s.SetRoutineSchedule(r); err != nil {
		t.Fatal(err)
	}
	if err := s.AddOneOffPulse("a1", time.Now().Add(time.Hour)); err == nil {
		t.Fatalf("expected error adding legacy one-off to an agent with routines")
	}
}

func TestGetNextPulseTime_TieBreakOneOffBeatsRecurring(t *testing.T) {
	s := NewScheduler()
	fixedNow := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	r := mustRoutine(t, "a1", "r1", 60, 0)
	r.Stats.LastRunAt = fixedNow // next recurring fire is exactly one hour out: 10:00
	s.routineSchedules[r.RoutineID] = r
	s.routinesByAgent["a1"] = map[string]bool{"r1": true}

	tie := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	r.OneOffs[tie.UnixMilli()] = struct{}{}

	pulse, err := s.GetNextPulseTime("a1")
	if err != nil {
		t.Fatal(err)
	}
	// A one-off at the exact same instant as the recurring fire wins the
	// tie, so the pulse is reported as a one-off.
	if pulse.ScheduledAt != tie.UnixMilli() {
		t.Fatalf("expected scheduled time %v, got %v", tie, time.UnixMilli(pulse.ScheduledAt))
	}
	if pulse.Source != SourceOneOff {
		t.Fatalf("expected one-off source on exact tie, got %v", pulse.Source)
	}
}

func TestGate_ConsecutiveSkipsWarnThreshold(t *testing.T) {
	reg := NewInMemoryRegistry()
	end := reg.StartPulseSession("a1", "r1") // occupy the only slot
	defer end()

	g := NewGate(reg, 5)
	var lastWarned bool
	var lastSkips int
	for i := 0; i < 5; i++ {
		admitted, skips, warned := g.Admit("a1", "r1")
		if admitted {
			t.Fatalf("expected refusal while session occupies the slot")
		}
		lastWarned = warned
		lastSkips = skips
	}
	if lastSkips != 5 {
		t.Fatalf("expected 5 consecutive skips, got %d", lastSkips)
	}
	if !lastWarned {
		t.Fatalf("expected warning to fire on the 5th consecutive skip")
	}
}

func TestAutoAssignOffsets_SpreadsEvenly(t *testing.T) {
	offsets := AutoAssignOffsets([]string{"r3", "r1", "r2", "r4"})
	want := map[string]int{"r1": 0, "r2": 15, "r3": 30, "r4": 45}
	for id, w := range want {
		if offsets[id] != w {
			t.Fatalf("routine %s: expected offset %d, got %d", id, w, offsets[id])
		}
	}
}

func TestComputeTimeline_FlagsSubMinuteConflicts(t *testing.T) {
	s := NewScheduler()
	fixedNow := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	r1 := mustRoutine(t, "a1", "r1", 60, 0)
	r2 := mustRoutine(t, "a1", "r2", 60, 0) // same offset -> collides every hour
	s.routineSchedules["r1"] = r1
	s.routineSchedules["r2"] = r2
	s.routinesByAgent["a1"] = map[string]bool{"r1": true, "r2": true}

	tl := s.ComputeTimeline("a1", 3*time.Hour)
	if len(tl.Conflicts) == 0 {
		t.Fatalf("expected at least one conflict for two identically-aligned routines")
	}
	for _, c := range tl.Conflicts {
		if len(c.Pulses) == 2 && c.Severity != ConflictWarning {
			t.Fatalf("expected a 2-pulse conflict to be severity warning, got %s", c.Severity)
		}
		if len(c.Pulses) >= 4 && c.Severity != ConflictCritical {
			t.Fatalf("expected a 4+-pulse conflict to be severity critical, got %s", c.Severity)
		}
	}
	if tl.WindowStart != fixedNow {
		t.Fatalf("expected windowStart = now, got %v", tl.WindowStart)
	}
	if tl.WindowEnd != fixedNow.Add(3*time.Hour) {
		t.Fatalf("expected windowEnd = now+horizon, got %v", tl.WindowEnd)
	}
	if tl.Summary == "" {
		t.Fatalf("expected a non-empty summary")
	}
}

func TestComputeTimeline_CriticalSeverityAtFourOrMorePulses(t *testing.T) {
	s := NewScheduler()
	fixedNow := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		r := mustRoutine(t, "a1", id, 60, 0) // all four fire on the same minute every hour
		s.routineSchedules[id] = r
	}
	s.routinesByAgent["a1"] = map[string]bool{"r1": true, "r2": true, "r3": true, "r4": true}

	// The 90-minute window holds two firings per routine (09:00 and 10:00),
	// so there is one 4-pulse cluster at each hour.
	tl := s.ComputeTimeline("a1", 90*time.Minute)
	if len(tl.Conflicts) != 2 {
		t.Fatalf("expected exactly two conflict clusters, got %+v", tl.Conflicts)
	}
	if tl.Conflicts[0].Severity != ConflictCritical {
		t.Fatalf("expected critical severity for a 4-pulse cluster, got %s", tl.Conflicts[0].Severity)
	}
	if len(tl.Conflicts[0].Pulses) != 4 {
		t.Fatalf("expected 4 pulses in the cluster, got %d", len(tl.Conflicts[0].Pulses))
	}
}
