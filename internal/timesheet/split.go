package timesheet

import "time"

// Fragment is the part of an interval that falls on one calendar date.
type Fragment struct {
	Date  Date
	Start time.Time
	End   time.Time
}

// Duration is the length of the fragment.
func (f Fragment) Duration() time.Duration {
	return f.End.Sub(f.Start)
}

// SplitByDay cuts [start, end) at every local midnight in loc. A zero-length
// interval yields one empty fragment on its start date so it still counts
// as touching that date. An inverted interval yields nothing.
func SplitByDay(start, end time.Time, loc *time.Location) []Fragment {
	if end.Before(start) {
		return nil
	}

	date := DateOf(start, loc)
	if end.Equal(start) {
		return []Fragment{{Date: date, Start: start, End: end}}
	}

	var fragments []Fragment
	cursor := start
	for cursor.Before(end) {
		boundary := date.End(loc)
		fragEnd := end
		if boundary.Before(end) {
			fragEnd = boundary
		}

		fragments = append(fragments, Fragment{Date: date, Start: cursor, End: fragEnd})

		cursor = fragEnd
		date = date.AddDays(1)
	}

	return fragments
}

// clip returns the overlap of [start, end) with [lo, hi).
func clip(start, end, lo, hi time.Time) time.Duration {
	if start.Before(lo) {
		start = lo
	}
	if end.After(hi) {
		end = hi
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
