package domain

import (
	"fmt"
	"time"
)

// Date is a calendar day without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// Clock is a wall-clock time of day without a zone.
type Clock struct {
	Hour   int
	Minute int
}

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// ParseClock accepts "15:04" and "15:04:05"; seconds are dropped.
func ParseClock(s string) (Clock, error) {
	if s == "" {
		return Clock{}, nil
	}
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		t2, err2 := time.Parse("15:04:05", s)
		if err2 != nil {
			return Clock{}, fmt.Errorf("invalid time %q: %w", s, err)
		}
		t = t2
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Long renders the date the way greetings print it, e.g. "March 10, 2025".
func (d Date) Long() string {
	if d.IsZero() {
		return ""
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format("January 2, 2006")
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// At combines d and c in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc)
}

// IsLeap reports whether year has a Feb 29.
func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// AddYears shifts t by n years keeping month, day and wall time.
// Feb 29 lands on Feb 28 when the target year has no leap day.
func AddYears(t time.Time, n int) time.Time {
	y := t.Year() + n
	m, d := t.Month(), t.Day()
	if m == time.February && d == 29 && !IsLeap(y) {
		d = 28
	}
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
