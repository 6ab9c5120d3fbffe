package resonance

import "time"

// Clock returns the current time. Every component takes one so tests can move time
// explicitly instead of sleeping.
type Clock func() time.Time

// SystemClock returns the wall clock in UTC, truncated to microseconds so that values
// survive a round trip through any supported SQL engine unchanged.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
