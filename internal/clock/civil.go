package clock

import (
	"fmt"
	"time"
)

// Date is a calendar day without a location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.midnight().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday { return d.midnight().Weekday() }

func (d Date) IsWeekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (d Date) Before(o Date) bool { return d.midnight().Before(o.midnight()) }
func (d Date) After(o Date) bool  { return d.midnight().After(o.midnight()) }

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", time.TimeOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
}

// TimeOfDayOf returns the wall-clock time of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.seconds() < o.seconds() }

// within reports start <= t < end.
func (t TimeOfDay) within(start, end TimeOfDay) bool {
	return !t.Before(start) && t.Before(end)
}

// Resolve turns a wall-clock time in loc into an instant. A wall time skipped
// by a forward offset change moves forward by the size of the gap; a wall
// time repeated by a backward change resolves to the earlier offset.
func Resolve(loc *time.Location, d Date, tod TimeOfDay) time.Time {
	wall := time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, tod.Second, 0, time.UTC)

	_, before := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, after := wall.Add(24 * time.Hour).In(loc).Zone()

	var found []time.Time
	for _, offset := range []int{before, after} {
		candidate := wall.Add(-time.Duration(offset) * time.Second).In(loc)
		if sameWall(candidate, d, tod) {
			found = append(found, candidate)
		}
	}
	switch len(found) {
	case 0:
		// Inside a gap: interpret with the offset in force before it.
		return wall.Add(-time.Duration(before) * time.Second).In(loc)
	case 1:
		return found[0]
	default:
		if found[1].Before(found[0]) {
			return found[1]
		}
		return found[0]
	}
}

func sameWall(t time.Time, d Date, tod TimeOfDay) bool {
	return DateOf(t) == d && TimeOfDayOf(t) == tod
}
