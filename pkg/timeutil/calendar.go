package timeutil

import (
	"math"
	"time"
)

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddDays adds n calendar days in UTC.
func AddDays(t time.Time, n int) time.Time {
	return t.UTC().AddDate(0, 0, n)
}

// AddWeeks adds n weeks in UTC.
func AddWeeks(t time.Time, n int) time.Time {
	return t.UTC().AddDate(0, 0, 7*n)
}

// AddMonths adds n months keeping the day of month where the target month
// has it, otherwise falling back to the target month's last day.
// time.AddDate normalizes Jan 31 + 1 month to Mar 3, which is never what a
// billing schedule wants.
func AddMonths(t time.Time, n int) time.Time {
	t = t.UTC()
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	first := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), time.UTC)
}

// AddYears adds n years, clamping Feb 29 to Feb 28 on non-leap years.
func AddYears(t time.Time, n int) time.Time {
	return AddMonths(t, 12*n)
}

// DaysBetween returns the signed number of days from a to b.
func DaysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24
}

// WholeDaysBetween rounds the day count from a to b to the nearest whole day.
func WholeDaysBetween(a, b time.Time) int {
	return int(math.Round(DaysBetween(a, b)))
}
