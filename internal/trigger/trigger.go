// Package trigger parses declarative schedule rules (cron, interval, one-off date)
// with an optional validity window and computes next fire instants.
//
// Triggers are pure values: they hold no state beyond the parsed rule and are
// re-derived from stored job fields whenever needed.
package trigger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalid marks every parse/validation failure.
var ErrInvalid = errors.New("invalid trigger")

type Kind string

const (
	KindCron     Kind = "CRON"
	KindInterval Kind = "INTERVAL"
	KindDate     Kind = "DATE"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCron, KindInterval, KindDate:
		return true
	}
	return false
}

// ParseKind accepts any letter case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", invalidf("unknown trigger kind %q", s)
	}
	return k, nil
}

// Standard 5-field parser; descriptors (@hourly) and seconds are rejected.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxInterval is the longest representable interval (about 292 years).
const maxInterval = time.Duration(math.MaxInt64)

// Trigger is a parsed rule. It satisfies cron.Schedule.
type Trigger struct {
	kind   Kind
	value  string
	window Window

	sched    cron.Schedule
	interval time.Duration
	base     time.Time
	at       time.Time
}

var _ cron.Schedule = (*Trigger)(nil)

// Parse validates (kind, value) and binds it to a window.
//
// anchor is the job's creation time. Interval triggers without a start bound
// fire at anchor+k*interval (k >= 1), which keeps the cadence stable across restarts.
func Parse(kind Kind, value string, w Window, anchor time.Time) (*Trigger, error) {
	value = strings.TrimSpace(value)
	t := &Trigger{kind: kind, value: value, window: w}

	if w.Start != nil && w.End != nil && w.Start.After(*w.End) {
		return nil, invalidf("start_date %s is after end_date %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}

	switch kind {
	case KindCron:
		if n := len(strings.Fields(value)); n != 5 {
			return nil, invalidf("cron %q: expected 5 fields, got %d", value, n)
		}
		s, err := cronParser.Parse(value)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "cron %q", value), ErrInvalid)
		}
		// Evaluate in UTC regardless of host timezone.
		if ss, ok := s.(*cron.SpecSchedule); ok {
			ss.Location = time.UTC
		}
		t.sched = s
	case KindInterval:
		secs, err := strconv.ParseInt(value, 10, 64)
		if errors.Is(err, strconv.ErrRange) && secs == math.MaxInt64 {
			err = nil
		}
		if err != nil {
			return nil, invalidf("interval %q: not an integer number of seconds", value)
		}
		if secs <= 0 {
			return nil, invalidf("interval %q: must be > 0", value)
		}
		if secs > int64(maxInterval/time.Second) {
			t.interval = maxInterval
		} else {
			t.interval = time.Duration(secs) * time.Second
		}
		if w.Start != nil {
			t.base = w.Start.UTC()
		} else {
			t.base = anchor.UTC().Add(t.interval)
		}
	case KindDate:
		at, err := ParseDateTime(value)
		if err != nil {
			return nil, err
		}
		t.at = at
	default:
		return nil, invalidf("unknown trigger kind %q", string(kind))
	}
	return t, nil
}

func (t *Trigger) Kind() Kind     { return t.kind }
func (t *Trigger) Value() string  { return t.value }
func (t *Trigger) Window() Window { return t.window }

// Next returns the first fire instant strictly after `after`, inside the window.
// The zero time means the trigger will never fire again.
func (t *Trigger) Next(after time.Time) time.Time {
	after = after.UTC()
	var next time.Time

	switch t.kind {
	case KindCron:
		from := after
		// cron.Schedule.Next is exclusive; step back so start itself can match.
		if t.window.Start != nil && from.Before(*t.window.Start) {
			from = t.window.Start.Add(-time.Nanosecond)
		}
		next = t.sched.Next(from)
	case KindInterval:
		if after.Before(t.base) {
			next = t.base
		} else {
			// Sub saturates; rebase until the gap fits in a Duration.
			base := t.base
			for after.Sub(base) == maxInterval {
				base = base.Add(maxInterval / t.interval * t.interval)
			}
			k := after.Sub(base) / t.interval
			next = base.Add(k * t.interval).Add(t.interval)
		}
	case KindDate:
		if !t.at.After(after) {
			return time.Time{}
		}
		next = t.at
		if t.window.Start != nil && next.Before(*t.window.Start) {
			return time.Time{}
		}
	}

	if next.IsZero() {
		return time.Time{}
	}
	if t.window.End != nil && next.After(*t.window.End) {
		return time.Time{}
	}
	return next.UTC()
}

// Preview lists up to n upcoming fire instants after from.
func (t *Trigger) Preview(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		next := t.Next(cur)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

// Describe returns a short human-readable form, e.g. "cron 0 3 * * * UTC".
func (t *Trigger) Describe() string {
	var b strings.Builder
	switch t.kind {
	case KindCron:
		fmt.Fprintf(&b, "cron %s UTC", t.value)
	case KindInterval:
		fmt.Fprintf(&b, "every %s", t.interval)
	case KindDate:
		fmt.Fprintf(&b, "once at %s", t.at.Format(time.RFC3339))
	}
	if t.window.Start != nil {
		fmt.Fprintf(&b, " from %s", t.window.Start.Format(time.RFC3339))
	}
	if t.window.End != nil {
		fmt.Fprintf(&b, " until %s", t.window.End.Format(time.RFC3339Nano))
	}
	return b.String()
}

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalid)
}
