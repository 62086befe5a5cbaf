package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// beijing is the portal's wall clock. A fixed zone avoids depending on tzdata
// being present on headless runners.
var beijing = time.FixedZone("UTC+8", 8*60*60)

// TimeOfDay is a wall-clock time within a day, second precision.
// It orders chronologically; the HH:MM:SS rendering is always zero padded so
// its string form orders the same way.
type TimeOfDay struct {
	sec int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM or HH:MM:SS)", s)
	}

	limits := []int{23, 59, 59}
	vals := make([]int, 3)
	for i, p := range parts {
		if len(p) != 2 {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: fields must be two digits", s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	return TimeOfDay{sec: vals[0]*3600 + vals[1]*60 + vals[2]}, nil
}

// MustTimeOfDay is ParseTimeOfDay for constants.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TimeOfDayOf extracts the time of day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{sec: t.Hour()*3600 + t.Minute()*60 + t.Second()}
}

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.sec < o.sec }
func (t TimeOfDay) After(o TimeOfDay) bool  { return t.sec > o.sec }

// Add shifts the time of day, wrapping around midnight.
func (t TimeOfDay) Add(d time.Duration) TimeOfDay {
	const day = 24 * 3600
	s := (t.sec + int(d/time.Second)) % day
	if s < 0 {
		s += day
	}
	return TimeOfDay{sec: s}
}

// On returns the instant at this time of day on date's calendar day in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	d := date.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc).Add(time.Duration(t.sec) * time.Second)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.sec/3600, t.sec/60%60, t.sec%60)
}

// HHMM renders the form the submit endpoint expects.
func (t TimeOfDay) HHMM() string {
	return fmt.Sprintf("%02d:%02d", t.sec/3600, t.sec/60%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Clock abstracts time for the race engine so tests can drive it.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

// RealClock returns the process clock. time.Now carries a monotonic reading,
// so durations between its values ignore wall-clock adjustments.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// monotonicDeadline converts a wall-clock deadline into an instant anchored on
// the clock's current reading. Comparisons against later Now() values then use
// the monotonic clock instead of the wall clock.
func monotonicDeadline(c Clock, wall time.Time) time.Time {
	now := c.Now()
	return now.Add(wall.Sub(now))
}

// spinUntil busy-waits until deadline. Far from the deadline it sleeps in
// coarse steps, inside fineWindow it switches to fine steps. Each step is
// capped at the remaining time so it never deliberately overshoots. It
// returns ctx.Err() as soon as ctx is done.
func spinUntil(ctx context.Context, c Clock, deadline time.Time, coarse, fine, fineWindow time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := deadline.Sub(c.Now())
		if remaining <= 0 {
			return nil
		}
		step := coarse
		if remaining <= fineWindow {
			step = fine
		}
		if step > remaining {
			step = remaining
		}
		c.Sleep(step)
	}
}

// logicalClock reports the wall time used for day-of-week and cutoff checks.
// In action mode the runner's zone is ignored and UTC+8 is used.
type logicalClock struct {
	clock Clock
	loc   *time.Location
}

func newLogicalClock(c Clock, action bool) logicalClock {
	loc := time.Local
	if action {
		loc = beijing
	}
	return logicalClock{clock: c, loc: loc}
}

func (l logicalClock) Now() time.Time           { return l.clock.Now().In(l.loc) }
func (l logicalClock) TimeOfDay() TimeOfDay     { return TimeOfDayOf(l.Now()) }
func (l logicalClock) Weekday() time.Weekday    { return l.Now().Weekday() }
func (l logicalClock) Location() *time.Location { return l.loc }

// reservationDay returns the YYYY-MM-DD the submit request books, always on
// the portal's calendar.
func reservationDay(now time.Time, nextDay bool) string {
	d := now.In(beijing)
	if nextDay {
		d = d.AddDate(0, 0, 1)
	}
	return d.Format("2006-01-02")
}
