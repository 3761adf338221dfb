// Package dateutil holds the calendar arithmetic shared by the scheduling code.
//
// Every date-only value in the system (start/end dates, scheduled and execution
// dates) is represented as midnight UTC of the calendar day. Day stepping is done
// with AddDate on those values so DST transitions in the caller's zone never
// shift a schedule.
package dateutil

import (
	"time"

	"github.com/jinzhu/now"
)

// Day returns midnight UTC of the calendar day t falls on in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar day in loc.
func Today(current time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Day(current.In(loc))
}

func AddDays(day time.Time, days int) time.Time {
	return Day(day).AddDate(0, 0, days)
}

// StartOfYear returns Jan 1 of the year day falls in.
func StartOfYear(day time.Time) time.Time {
	return now.With(Day(day)).BeginningOfYear()
}

// EndOfYear returns Dec 31 of the year day falls in, as a date value.
func EndOfYear(day time.Time) time.Time {
	return Day(now.With(Day(day)).EndOfYear())
}

// After reports whether a is strictly after b, comparing calendar days only.
func After(a, b time.Time) bool {
	return Day(a).After(Day(b))
}

// Window bounds the scheduled dates a generation pass may produce. Nil bounds are open.
type Window struct {
	Min *time.Time
	Max *time.Time
}

// YearWindow is the current-year backfill window, clamped to an optional end date.
func YearWindow(today time.Time, end *time.Time) Window {
	lo := StartOfYear(today)
	hi := EndOfYear(today)
	if end != nil && Day(*end).Before(hi) {
		hi = Day(*end)
	}
	return Window{Min: &lo, Max: &hi}
}

// Exceeds reports whether day is beyond the window's upper bound or the optional end date.
func (w Window) Exceeds(day time.Time, end *time.Time) bool {
	if end != nil && After(day, *end) {
		return true
	}
	return w.Max != nil && After(day, *w.Max)
}

func Ptr(t time.Time) *time.Time {
	return &t
}
