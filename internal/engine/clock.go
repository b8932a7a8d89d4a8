package engine

import "time"

// SystemClock reads the wall clock in UTC.
//
// Hold windows, history windows and cron schedules are all computed from
// the engine's clock, so tests substitute a fixed one.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
