// Package scheduler computes when agent pulses should fire.
//
// Adapted from goclaw's internal/scheduler run-lane dispatcher (Schedule /
// ScheduleWithOpts / lanes) with GoClaw-specific additions for the
// recurring-routine model: blackout windows, one-off pulses, auto-offset
// spreading, and legacy per-agent schedules.
package scheduler

import (
	"fmt"
	"time"
)

// PulseSource identifies what triggered a scheduled pulse.
type PulseSource string

const (
	SourceRecurring PulseSource = "recurring"
	SourceOneOff    PulseSource = "one-off"
	SourceManual    PulseSource = "manual"
)

// Blackout is a window during which a routine will not fire.
// Either a recurring clock-range (StartTime/EndTime, "HH:MM") or a one-off
// absolute range (Start/End) — never both.
type Blackout struct {
	StartTime string    `json:"start_time,omitempty"` // "HH:MM", recurring
	EndTime   string    `json:"end_time,omitempty"`
	Start     time.Time `json:"start,omitempty"` // absolute, one-off
	End       time.Time `json:"end,omitempty"`
}

func (b Blackout) isRecurring() bool { return b.StartTime != "" }

// endIfActive reports whether t falls within the blackout, and if so the
// absolute instant the blackout ends (the next fire must not be earlier).
func (b Blackout) endIfActive(t time.Time) (time.Time, bool) {
	if b.isRecurring() {
		return recurringBlackoutEnd(t, b.StartTime, b.EndTime)
	}
	if b.Start.IsZero() || b.End.IsZero() {
		return time.Time{}, false
	}
	if !t.Before(b.Start) && t.Before(b.End) {
		return b.End, true
	}
	return time.Time{}, false
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// recurringBlackoutEnd checks a daily clock-range window, handling windows
// that wrap past midnight (e.g. 22:00-07:00).
func recurringBlackoutEnd(t time.Time, startHHMM, endHHMM string) (time.Time, bool) {
	sm, err1 := parseHHMM(startHHMM)
	em, err2 := parseHHMM(endHHMM)
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	loc := t.Location()
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	startInstant := dayStart.Add(time.Duration(sm) * time.Minute)
	endInstant := dayStart.Add(time.Duration(em) * time.Minute)

	if sm <= em {
		if !t.Before(startInstant) && t.Before(endInstant) {
			return endInstant, true
		}
		return time.Time{}, false
	}

	// Wraps midnight: window is [startInstant, tomorrow 00:00) U [today 00:00, endInstant).
	if !t.Before(startInstant) {
		return endInstant.AddDate(0, 0, 1), true
	}
	if t.Before(endInstant) {
		return endInstant, true
	}
	return time.Time{}, false
}

// Overrides are per-routine overrides forwarded to the session runner context.
type Overrides struct {
	PulseColumns  []string `json:"pulseColumns,omitempty"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
	PlanningModel string   `json:"planningModel,omitempty"`
	ExecutorModel string   `json:"executorModel,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	StageAffinity string   `json:"stageAffinity,omitempty"`
	TaskWorkTypes []string `json:"taskWorkTypes,omitempty"`
}

// Stats tracks routine firing history.
type Stats struct {
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	TotalRuns int       `json:"totalRuns"`
}

const (
	MinIntervalMinutes = 5
	MaxIntervalMinutes = 1440
	DefaultMaxConsecutiveSkips = 5
)

// Routine is a named recurring workload attached to an agent.
type Routine struct {
	RoutineID           string
	AgentID             string
	Name                string
	IntervalMinutes     int
	OffsetMinutes       int
	Blackouts           []Blackout
	OneOffs             map[int64]struct{} // epoch-ms fire times
	Enabled             bool
	MaxConsecutiveSkips int
	Instructions        string
	Overrides           Overrides
	Stats               Stats
	Color               string

	// CronSpec, if set, is a standard 5-field cron expression validated with
	// gronx at load time; when present it overrides the interval/offset
	// model for next-fire computation (see cron.go).
	CronSpec string
}

// Validate enforces the invariant intervalMinutes in [5,1440], offsetMinutes in [0,59].
func (r *Routine) Validate() error {
	if r.RoutineID == "" {
		return fmt.Errorf("routine: missing routineId")
	}
	if r.AgentID == "" {
		return fmt.Errorf("routine %s: missing agentId", r.RoutineID)
	}
	if r.IntervalMinutes < MinIntervalMinutes || r.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("routine %s: intervalMinutes %d out of range [%d,%d]", r.RoutineID, r.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes)
	}
	if r.OffsetMinutes < 0 || r.OffsetMinutes > 59 {
		return fmt.Errorf("routine %s: offsetMinutes %d out of range [0,59]", r.RoutineID, r.OffsetMinutes)
	}
	if r.CronSpec != "" {
		if err := validateCronSpec(r.CronSpec); err != nil {
			return fmt.Errorf("routine %s: %w", r.RoutineID, err)
		}
	}
	if r.MaxConsecutiveSkips <= 0 {
		r.MaxConsecutiveSkips = DefaultMaxConsecutiveSkips
	}
	return nil
}

func (r *Routine) clone() *Routine {
	cp := *r
	cp.Blackouts = append([]Blackout(nil), r.Blackouts...)
	cp.OneOffs = make(map[int64]struct{}, len(r.OneOffs))
	for k := range r.OneOffs {
		cp.OneOffs[k] = struct{}{}
	}
	cp.Overrides.PulseColumns = append([]string(nil), r.Overrides.PulseColumns...)
	cp.Overrides.Tools = append([]string(nil), r.Overrides.Tools...)
	cp.Overrides.TaskWorkTypes = append([]string(nil), r.Overrides.TaskWorkTypes...)
	return &cp
}

// LegacySchedule is a pre-routine schedule, identical in shape to a routine
// minus name/instructions/overrides. An agent uses it only while it has
// zero routines.
type LegacySchedule struct {
	AgentID             string
	IntervalMinutes     int
	OffsetMinutes       int
	Blackouts           []Blackout
	OneOffs             map[int64]struct{}
	Enabled             bool
	MaxConsecutiveSkips int
	Stats               Stats
}

func (s *LegacySchedule) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("legacy schedule: missing agentId")
	}
	if s.IntervalMinutes < MinIntervalMinutes || s.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("legacy schedule %s: intervalMinutes %d out of range", s.AgentID, s.IntervalMinutes)
	}
	if s.OffsetMinutes < 0 || s.OffsetMinutes > 59 {
		return fmt.Errorf("legacy schedule %s: offsetMinutes %d out of range", s.AgentID, s.OffsetMinutes)
	}
	if s.MaxConsecutiveSkips <= 0 {
		s.MaxConsecutiveSkips = DefaultMaxConsecutiveSkips
	}
	return nil
}

func (s *LegacySchedule) clone() *LegacySchedule {
	cp := *s
	cp.Blackouts = append([]Blackout(nil), s.Blackouts...)
	cp.OneOffs = make(map[int64]struct{}, len(s.OneOffs))
	for k := range s.OneOffs {
		cp.OneOffs[k] = struct{}{}
	}
	return &cp
}

// ScheduledPulse is a derived, ephemeral tuple — never persisted.
type ScheduledPulse struct {
	AgentID     string
	RoutineID   string // empty for legacy/manual
	RoutineName string
	ScheduledAt int64 // epoch ms
	Source      PulseSource
}
