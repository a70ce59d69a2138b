package schedule

import "time"

// searchHorizon bounds the occurrence scan; a recurrence with no hit within
// five years is treated as exhausted.
const searchHorizon = 5 * 366 * 24 * time.Hour

// Next returns the first occurrence of expr strictly after from, interpreted
// in loc. startAt and endAt bound the recurrence: no occurrence before
// startAt, none after endAt. The second return value is false once no further
// occurrence exists.
//
// When from coincides exactly with an occurrence the following one is
// returned, so repeated calls never yield the same instant twice.
func Next(expr CronExpr, loc *time.Location, startAt, endAt *time.Time, from time.Time) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	t := from.In(loc).Truncate(time.Minute).Add(time.Minute)
	if startAt != nil {
		start := startAt.In(loc)
		if t.Before(start) {
			t = ceilMinute(start)
		}
	}
	horizon := t.Add(searchHorizon)

	for t.Before(horizon) {
		if endAt != nil && t.After(*endAt) {
			return time.Time{}, false
		}

		// Walk day -> hour -> minute so non-matching days are skipped in one
		// step. time.Date normalizes overflow, which also carries the scan
		// across DST gaps correctly.
		if !expr.matchesDate(t) {
			year, month, day := t.Date()
			t = time.Date(year, month, day+1, 0, 0, 0, 0, loc)
			continue
		}
		if !expr.hour.matches(t.Hour()) {
			year, month, day := t.Date()
			t = time.Date(year, month, day, t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !expr.minute.matches(t.Minute()) {
			year, month, day := t.Date()
			t = time.Date(year, month, day, t.Hour(), t.Minute()+1, 0, 0, loc)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

func ceilMinute(t time.Time) time.Time {
	truncated := t.Truncate(time.Minute)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Minute)
}
