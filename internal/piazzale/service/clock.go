package service

import "time"

// Clock returns the time stamped on cards, sessions and logs.
type Clock func() time.Time

// SystemClock is millisecond precision UTC, the finest resolution every
// backend keeps.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
