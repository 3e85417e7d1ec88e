package config

import (
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

// PulseConfig configures the pulse scheduler: its per-agent legacy
// schedules and named routines, loaded at startup and round-tripped to
// scheduler.LegacySchedule / scheduler.Routine.
type PulseConfig struct {
	Routines []PulseRoutineConfig `json:"routines,omitempty"`
	Legacy   []LegacyScheduleConfig `json:"legacy,omitempty"`
}

// PulseRoutineConfig is the on-disk shape of a scheduler.Routine.
type PulseRoutineConfig struct {
	RoutineID           string              `json:"routine_id"`
	AgentID             string              `json:"agent_id"`
	Name                string              `json:"name"`
	IntervalMinutes     int                 `json:"interval_minutes"`
	OffsetMinutes       int                 `json:"offset_minutes"`
	Blackouts           []BlackoutConfig    `json:"blackouts,omitempty"`
	Enabled             bool                `json:"enabled"`
	MaxConsecutiveSkips int                 `json:"max_consecutive_skips,omitempty"`
	Instructions        string              `json:"instructions,omitempty"`
	Color               string              `json:"color,omitempty"`
	CronSpec            string              `json:"cron_spec,omitempty"`
}

// LegacyScheduleConfig is the on-disk shape of a scheduler.LegacySchedule.
type LegacyScheduleConfig struct {
	AgentID             string           `json:"agent_id"`
	IntervalMinutes     int              `json:"interval_minutes"`
	OffsetMinutes       int              `json:"offset_minutes"`
	Blackouts           []BlackoutConfig `json:"blackouts,omitempty"`
	Enabled             bool             `json:"enabled"`
	MaxConsecutiveSkips int              `json:"max_consecutive_skips,omitempty"`
}

// BlackoutConfig is the on-disk shape of a scheduler.Blackout.
type BlackoutConfig struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

func (b BlackoutConfig) toRoutine() scheduler.Blackout {
	return scheduler.Blackout{StartTime: b.StartTime, EndTime: b.EndTime}
}

// ToRoutine converts the config form into a scheduler.Routine, validating
// the cron override (if any) at load time so a malformed expression is a
// config error, not a runtime panic at the first tick.
func (rc PulseRoutineConfig) ToRoutine() (*scheduler.Routine, error) {
	blackouts := make([]scheduler.Blackout, len(rc.Blackouts))
	for i, b := range rc.Blackouts {
		blackouts[i] = b.toRoutine()
	}
	r := &scheduler.Routine{
		RoutineID: rc.RoutineID, AgentID: rc.AgentID, Name: rc.Name,
		IntervalMinutes: rc.IntervalMinutes, OffsetMinutes: rc.OffsetMinutes,
		Blackouts: blackouts, Enabled: rc.Enabled, MaxConsecutiveSkips: rc.MaxConsecutiveSkips,
		Instructions: rc.Instructions, Color: rc.Color, CronSpec: rc.CronSpec,
		OneOffs: map[int64]struct{}{},
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("pulse routine %s: %w", rc.RoutineID, err)
	}
	return r, nil
}

// ToLegacySchedule converts the config form into a scheduler.LegacySchedule.
func (lc LegacyScheduleConfig) ToLegacySchedule() (*scheduler.LegacySchedule, error) {
	blackouts := make([]scheduler.Blackout, len(lc.Blackouts))
	for i, b := range lc.Blackouts {
		blackouts[i] = b.toRoutine()
	}
	s := &scheduler.LegacySchedule{
		AgentID: lc.AgentID, IntervalMinutes: lc.IntervalMinutes, OffsetMinutes: lc.OffsetMinutes,
		Blackouts: blackouts, Enabled: lc.Enabled, MaxConsecutiveSkips: lc.MaxConsecutiveSkips,
		OneOffs: map[int64]struct{}{},
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("legacy schedule %s: %w", lc.AgentID, err)
	}
	return s, nil
}

// WakeConfig tunes the §4.4 wake subsystem's guardrails.
type WakeConfig struct {
	CooldownSeconds int `json:"cooldown_seconds,omitempty"`
	PerAgentDaily   int `json:"per_agent_daily,omitempty"`
	PerPairDaily    int `json:"per_pair_daily,omitempty"`
}

// StreamConfig tunes the session streaming core.
type StreamConfig struct {
	FlushIntervalMs  int `json:"flush_interval_ms,omitempty"`
	ReplayBufferSize int `json:"replay_buffer_size,omitempty"`
}

// RedisConfig configures the shared Redis instance backing the counter
// store, event bus, and distributed lock manager. When Addr is empty the
// gateway falls back to the in-memory implementations of each.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"-"` // from env GOCLAW_REDIS_PASSWORD only
	DB       int    `json:"db,omitempty"`
}
