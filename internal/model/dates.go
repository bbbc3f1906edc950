package model

import "time"

const dayLayout = "2006-01-02"

// Day truncates t to its UTC calendar date at 00:00.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Noon pins a date to 12:00 UTC. All-day feed events are stored this way so
// that later timezone conversion cannot shift them across a day boundary.
func Noon(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC date of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// ParseDay parses YYYY-MM-DD as a UTC date.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, s, time.UTC)
}

// SameDay reports whether a and b fall on the same UTC date.
func SameDay(a, b time.Time) bool {
	return DayKey(a) == DayKey(b)
}

// DaysBetween counts whole calendar days from start's date to end's date.
func DaysBetween(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours() / 24)
}

// EachDay returns every date in [start, end), by UTC calendar day.
func EachDay(start, end time.Time) []time.Time {
	var out []time.Time
	for d := Day(start); d.Before(Day(end)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
