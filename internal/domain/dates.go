package domain

import "time"

// DateOnly truncates t to midnight in its own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ServiceDate returns the most recent Sunday on or before t, as a date.
func ServiceDate(t time.Time) time.Time {
	day := DateOnly(t)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// SameDate reports whether a and b fall on the same calendar day. Nil values never match.
func SameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
