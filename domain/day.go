package domain

import (
	"time"
)

// DayLayout is the projection used to key day buckets.
const DayLayout = "2006-01-02"

// Day is a calendar date with no time of day. Lexical order matches
// calendar order.
type Day string

// DayOf projects t onto its calendar date in t's own location.
func DayOf(t time.Time) Day {
	return Day(t.Format(DayLayout))
}

// ParseDay validates s and returns it as a Day.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return "", ErrInvalidDay
	}
	return DayOf(t), nil
}

// Valid reports whether d is a well formed date.
func (d Day) Valid() bool {
	_, err := time.Parse(DayLayout, string(d))
	return err == nil
}

// Time returns midnight UTC of d. Invalid days return the zero time.
func (d Day) Time() time.Time {
	t, err := time.Parse(DayLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Day) String() string { return string(d) }

// MonthDays lists every day of the given month in order.
func MonthDays(year int, month time.Month) []Day {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	days := make([]Day, 0, 31)
	for d := first; d.Month() == first.Month(); d = d.AddDate(0, 0, 1) {
		days = append(days, DayOf(d))
	}
	return days
}
