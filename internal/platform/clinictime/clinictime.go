// Package clinictime anchors calendar-day and wall-clock arithmetic to the
// clinic's configured time zone rather than UTC.
package clinictime

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Clock resolves "today" and wall-clock instants in a fixed location.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// New returns a Clock for the named IANA zone ("Local" and "UTC" are accepted).
func New(zone string) (*Clock, error) {
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load clinic time zone %q: %w", zone, err)
	}
	return &Clock{loc: loc, now: time.Now}, nil
}

// Fixed returns a Clock whose Now always reports t, for tests and one-off sweeps.
func Fixed(loc *time.Location, t time.Time) *Clock {
	return &Clock{loc: loc, now: func() time.Time { return t }}
}

func (c *Clock) Location() *time.Location { return c.loc }

// Now returns the current instant expressed in the clinic location.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Day returns the clinic calendar day containing t, at local midnight.
func (c *Clock) Day(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// Today returns the current clinic day at local midnight.
func (c *Clock) Today() time.Time { return c.Day(c.Now()) }

// SameDay reports whether a and b fall on the same clinic day.
func (c *Clock) SameDay(a, b time.Time) bool {
	return c.Day(a).Equal(c.Day(b))
}

// Combine joins a calendar date and a wall-clock time ("15:04") into an
// instant in the clinic location.
func (c *Clock) Combine(date time.Time, clock string) (time.Time, error) {
	tod, err := time.Parse(TimeLayout, clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected HH:MM", clock)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), tod.Hour(), tod.Minute(), 0, 0, c.loc), nil
}

// ParseDate parses a YYYY-MM-DD string as a clinic-local date.
func (c *Clock) ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}
