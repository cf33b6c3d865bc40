package calls

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxDurationSeconds is the ceiling for durations reported by end events.
// Anything longer is treated as a malformed end timestamp.
const MaxDurationSeconds = 3600

var phoneNumberRe = regexp.MustCompile(`^\+?[0-9]+$`)

// ValidPhoneNumber reports whether s is digits with an optional leading '+'.
func ValidPhoneNumber(s string) bool {
	return phoneNumberRe.MatchString(s)
}

// Zone-less layouts are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp is the only place raw timestamp strings become instants.
// The result is always UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTimestamp
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// ComputeDuration returns the whole seconds elapsed between started and ended.
func ComputeDuration(started, ended time.Time) (int, error) {
	d := ended.Sub(started)
	if d < 0 {
		return 0, ErrNegativeDuration
	}
	secs := int(d / time.Second)
	if secs > MaxDurationSeconds {
		return 0, &DurationTooLongError{Seconds: secs}
	}
	return secs, nil
}

// ElapsedSeconds is ComputeDuration without the ceiling; negative spans clamp
// to 0. The reconciler uses it for calls already known to be past the ceiling.
func ElapsedSeconds(started, ended time.Time) int {
	d := ended.Sub(started)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// FormatDuration renders seconds as "1h 2m 3s", omitting zero hours and minutes.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "0s"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	parts := make([]string, 0, 3)
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	parts = append(parts, fmt.Sprintf("%ds", s))
	return strings.Join(parts, " ")
}
