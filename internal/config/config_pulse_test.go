package config

import "testing"

func TestPulseRoutineConfig_ToRoutine(t *testing.T) {
	rc := PulseRoutineConfig{
		RoutineID:       "r1",
		AgentID:         "a1",
		Name:            "morning digest",
		IntervalMinutes: 30,
		OffsetMinutes:   5,
		Enabled:         true,
		Blackouts:       []BlackoutConfig{{StartTime: "22:00", EndTime: "07:00"}},
	}

	r, err := rc.ToRoutine()
	if err != nil {
		t.Fatalf("expected valid routine, got error: %v", err)
	}
	if r.RoutineID != "r1" || r.AgentID != "a1" {
		t.Fatalf("unexpected routine: %+v", r)
	}
	if len(r.Blackouts) != 1 || r.Blackouts[0].StartTime != "22:00" {
		t.Fatalf("blackout not carried over: %+v", r.Blackouts)
	}
	if r.OneOffs == nil {
		t.Fatalf("expected OneOffs to be initialized, not nil")
	}
}

func TestPulseRoutineConfig_ToRoutine_RejectsOutOfRangeInterval(t *testing.T) {
	rc := PulseRoutineConfig{RoutineID: "r1", AgentID: "a1", IntervalMinutes: 1}

	if _, err := rc.ToRoutine(); err == nil {
		t.Fatalf("expected interval below minimum to be rejected")
	}
}

func TestPulseRoutineConfig_ToRoutine_RejectsBadCronSpec(t *testing.T) {
	rc := PulseRoutineConfig{
		RoutineID:       "r1",
		AgentID:         "a1",
		IntervalMinutes: 30,
		CronSpec:        "not a cron expression",
	}

	if _, err := rc.ToRoutine(); err == nil {
		t.Fatalf("expected malformed cron spec to be rejected at load time")
	}
}

func TestLegacyScheduleConfig_ToLegacySchedule(t *testing.T) {
	lc := LegacyScheduleConfig{AgentID: "a1", IntervalMinutes: 60, Enabled: true}

	s, err := lc.ToLegacySchedule()
	if err != nil {
		t.Fatalf("expected valid legacy schedule, got error: %v", err)
	}
	if s.AgentID != "a1" {
		t.Fatalf("unexpected schedule: %+v", s)
	}
	if s.OneOffs == nil {
		t.Fatalf("expected OneOffs to be initialized, not nil")
	}
}

func TestLegacyScheduleConfig_ToLegacySchedule_RejectsMissingAgent(t *testing.T) {
	lc := LegacyScheduleConfig{IntervalMinutes: 60}

	if _, err := lc.ToLegacySchedule(); err == nil {
		t.Fatalf("expected missing agentId to be rejected")
	}
}
