package scheduler

import "time"

// nextAlignedAtOrAfter returns the smallest minute-aligned instant >= from
// such that minuteOfHour(t) mod m == offset mod m, where m = interval mod 60
// (or 60 when interval is a multiple of 60). This is the literal formula
// from the next-fire specification: for intervals that don't divide the
// hour evenly, alignment is only guaranteed within each hour, which matches
// the documented behaviour.
func nextAlignedAtOrAfter(from time.Time, intervalMinutes, offsetMinutes int) time.Time {
	m := intervalMinutes % 60
	if m == 0 {
		m = 60
	}
	off := ((offsetMinutes % m) + m) % m

	t := from.Truncate(time.Minute)
	if t.Before(from) {
		t = t.Add(time.Minute)
	}
	for i := 0; i < 7*24*60+1; i++ { // bounded by one week of minutes
		if t.Minute()%m == off {
			return t
		}
		t = t.Add(time.Minute)
	}
	return from
}

// applyBlackouts pushes a candidate fire time past any blackout windows that
// cover it, repeating until the candidate lands outside every window.
func applyBlackouts(t time.Time, blackouts []Blackout) time.Time {
	for i := 0; i < 64; i++ { // bounded: pathological overlapping blackouts
		moved := false
		for _, b := range blackouts {
			if end, active := b.endIfActive(t); active {
				t = end
				moved = true
			}
		}
		if !moved {
			return t
		}
	}
	return t
}

// fireSpec is the common shape shared by Routine and LegacySchedule for
// next-fire computation.
type fireSpec struct {
	intervalMinutes int
	offsetMinutes   int
	blackouts       []Blackout
	oneOffs         map[int64]struct{}
	lastRunAt       time.Time
	cronSpec        string
}

func (r *Routine) spec() fireSpec {
	return fireSpec{
		intervalMinutes: r.IntervalMinutes,
		offsetMinutes:   r.OffsetMinutes,
		blackouts:       r.Blackouts,
		oneOffs:         r.OneOffs,
		lastRunAt:       r.Stats.LastRunAt,
		cronSpec:        r.CronSpec,
	}
}

func (s *LegacySchedule) spec() fireSpec {
	return fireSpec{
		intervalMinutes: s.IntervalMinutes,
		offsetMinutes:   s.OffsetMinutes,
		blackouts:       s.Blackouts,
		oneOffs:         s.OneOffs,
		lastRunAt:       s.Stats.LastRunAt,
	}
}

// nextRecurringFire computes the next recurring fire time at or after now,
// honouring the minimum spacing since the last run and blackout windows.
func (f fireSpec) nextRecurringFire(now time.Time) time.Time {
	earliest := now
	if !f.lastRunAt.IsZero() {
		minNext := f.lastRunAt.Add(time.Duration(f.intervalMinutes) * time.Minute)
		if minNext.After(earliest) {
			earliest = minNext
		}
	}

	if f.cronSpec != "" {
		t, err := cronNextAfter(f.cronSpec, earliest.Add(-time.Second))
		if err == nil {
			return applyBlackouts(t, f.blackouts)
		}
	}

	t := nextAlignedAtOrAfter(earliest, f.intervalMinutes, f.offsetMinutes)
	return applyBlackouts(t, f.blackouts)
}

// nextFire returns the next fire time and its source, giving precedence to
// any one-off that lands at or before the next recurring fire.
func (f fireSpec) nextFire(now time.Time) (time.Time, PulseSource) {
	nextRec := f.nextRecurringFire(now)

	var best time.Time
	found := false
	for ms := range f.oneOffs {
		t := time.UnixMilli(ms)
		if t.Before(now) {
			continue // already passed; pruned separately
		}
		if !t.After(nextRec) {
			if !found || t.Before(best) {
				best = t
				found = true
			}
		}
	}
	if found {
		return best, SourceOneOff
	}
	return nextRec, SourceRecurring
}

// pruneExpiredOneOffs removes one-off timestamps that are strictly before
// now, per "one-offs that have already passed are discarded on the next
// call".
func pruneExpiredOneOffs(oneOffs map[int64]struct{}, now time.Time) {
	nowMs := now.UnixMilli()
	for ms := range oneOffs {
		if ms < nowMs {
			delete(oneOffs, ms)
		}
	}
}
