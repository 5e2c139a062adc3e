package clock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultDuration is the length of every appointment. Interval math across
// the system assumes this single constant.
const DefaultDuration = 30 * time.Minute

var ErrInvalidTimestamp = errors.New("invalid timestamp")

// naiveLayouts are accepted without an offset and read as UTC.
// Go's parser accepts an optional fractional second after the seconds field
// even when the layout omits it.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
}

const dateLayout = "2006-01-02"

// Normalize parses an ISO-8601 style date-time into a UTC instant truncated
// to whole seconds. Input that does not match a known layout is rejected.
func Normalize(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidTimestamp)
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Truncate(time.Second), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q is not an ISO-8601 date-time", ErrInvalidTimestamp, raw)
}

// ParseDate returns UTC midnight of the given calendar date. A full
// date-time is accepted as well and reduced to its date.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
		return t, nil
	}

	t, err := Normalize(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an ISO-8601 date", ErrInvalidTimestamp, raw)
	}
	return StartOfDay(t), nil
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders the UTC calendar date of t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start time.Time, d time.Duration) (Interval, error) {
	if d <= 0 {
		return Interval{}, fmt.Errorf("%w: duration must be positive, got %s", ErrInvalidTimestamp, d)
	}
	start = start.UTC()
	return Interval{Start: start, End: start.Add(d)}, nil
}

// Day returns the interval covering the whole UTC calendar day of t.
func Day(t time.Time) Interval {
	start := StartOfDay(t)
	return Interval{Start: start, End: start.AddDate(0, 0, 1)}
}

// Overlaps reports whether the two intervals share any instant. Back-to-back
// intervals (one ends exactly where the other starts) do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Days lists the UTC midnights of every calendar day the interval touches.
// Two overlapping intervals always share at least one entry.
func (iv Interval) Days() []time.Time {
	if !iv.Start.Before(iv.End) {
		return nil
	}
	last := StartOfDay(iv.End.Add(-time.Nanosecond))
	var days []time.Time
	for d := StartOfDay(iv.Start); !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}
