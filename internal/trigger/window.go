package trigger

import (
	"strings"
	"time"
)

// Window is an inclusive validity range in UTC. Nil bounds are open.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	if w.End != nil && t.After(*w.End) {
		return false
	}
	return true
}

// Equal compares bounds by instant.
func (w Window) Equal(o Window) bool {
	return timePtrEqual(w.Start, o.Start) && timePtrEqual(w.End, o.End)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

const dateOnly = "2006-01-02"

// endOfDay is the last representable microsecond of a UTC day.
const endOfDay = 24*time.Hour - time.Microsecond

// Layouts carrying an explicit offset.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
}

// Naive layouts; values are taken as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// ParseDateTime parses an ISO-8601 date-time. A bare date is rejected.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalidf("date-time is empty")
	}
	if _, err := time.Parse(dateOnly, s); err == nil {
		return time.Time{}, invalidf("date %q has no time component", s)
	}
	if t, ok := parseDateTime(s); ok {
		return t, nil
	}
	return time.Time{}, invalidf("date-time %q is not ISO-8601", s)
}

func parseDateTime(s string) (time.Time, bool) {
	for _, l := range zonedLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	for _, l := range naiveLayouts {
		if t, err := time.ParseInLocation(l, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseBound parses a window bound. Bare dates snap to the start of the UTC day,
// or to its last microsecond when endOfRange is set.
func ParseBound(s string, endOfRange bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseInLocation(dateOnly, s, time.UTC); err == nil {
		if endOfRange {
			d = d.Add(endOfDay)
		}
		return &d, nil
	}
	t, ok := parseDateTime(s)
	if !ok {
		return nil, invalidf("window bound %q is not an ISO-8601 date or date-time", s)
	}
	return &t, nil
}

// ParseWindow parses optional start/end bounds.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseBound(start, false)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseBound(end, true)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}
