package requests

import (
	"fmt"
	"time"
)

// TimeLayout is ISO-8601 UTC with millisecond precision. Values in this form
// sort lexicographically in time order, which the store relies on.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Truncate drops sub-millisecond precision so in-memory values match what a
// round trip through storage returns.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
