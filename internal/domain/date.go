package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Date is a calendar day with no time-of-day component. All pipeline
// cutoffs are expressed in UTC calendar days, so Date deliberately has
// no location. The zero value is "no date".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf builds a Date from its components.
func DateOf(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateFromTime truncates t to its UTC calendar day.
func DateFromTime(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// ParseDate parses an ISO-8601 date (2006-01-02).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateFromTime(t), nil
}

// MustDate parses an ISO-8601 date and panics on failure. Test helper.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns 23:59:59 UTC of the day, the as-of cutoff for
// observation lookups.
func (d Date) EndOfDay() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 23, 59, 59, 0, time.UTC)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) Before(o Date) bool { return d.Time().Before(o.Time()) }
func (d Date) After(o Date) bool  { return d.Time().After(o.Time()) }

// AddDays returns the date n days later (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateFromTime(d.Time().AddDate(0, 0, n))
}

// DaysSince returns the signed number of days from o to d.
func (d Date) DaysSince(o Date) int {
	return int(d.Time().Sub(o.Time()) / (24 * time.Hour))
}

// MonthBounds returns the first and last day of the date's month.
func MonthBounds(year int, month time.Month) (Date, Date) {
	start := DateOf(year, month, 1)
	end := DateFromTime(start.Time().AddDate(0, 1, -1))
	return start, end
}

// MinDate returns the earliest of the given dates.
func MinDate(first Date, rest ...Date) Date {
	min := first
	for _, d := range rest {
		if d.Before(min) {
			min = d
		}
	}
	return min
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
