package digest

import "time"

// TargetTime returns today's digest time for now: local midnight in loc plus hour.
func TargetTime(now time.Time, loc *time.Location, hour int) time.Time {
	local := now.In(loc)
	// time.Date normalises across DST transitions, so the wall clock hour is kept.
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
}

// Due reports whether a digest run should start at now given the previous run.
func Due(lastRun, now time.Time, loc *time.Location, hour int) bool {
	target := TargetTime(now, loc, hour)
	return lastRun.Before(target) && !now.Before(target)
}
