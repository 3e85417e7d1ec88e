package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// validateCronSpec rejects a malformed cron override at config-load time
// rather than failing at the first scheduler tick.
func validateCronSpec(spec string) error {
	if !gronx.IsValid(spec) {
		return fmt.Errorf("invalid cron expression %q", spec)
	}
	return nil
}

// cronNextAfter returns the next fire time strictly after `after` for a
// routine carrying a CronSpec override. Used instead of the
// interval/offset alignment model when CronSpec is set.
func cronNextAfter(spec string, after time.Time) (time.Time, error) {
	g := gronx.New()
	next, err := g.NextTickAfter(spec, after, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron next tick: %w", err)
	}
	return next, nil
}
