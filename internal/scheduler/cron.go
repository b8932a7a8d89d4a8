package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// NextFire returns the first time after now matching the standard
// five-field cron expression, evaluated in the IANA timezone tz (UTC when
// empty). The result is in UTC.
func NextFire(expr, tz string, now time.Time) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next.UTC(), nil
}

// LoadLocation resolves an IANA timezone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ValidateSchedule checks a cron expression and timezone without
// computing a fire time.
func ValidateSchedule(expr, tz string) error {
	if _, err := LoadLocation(tz); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return nil
}
