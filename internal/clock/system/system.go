// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements watch.Clock using the system time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Every persisted timestamp and due
// comparison uses UTC so daily quotas and schedules survive DST shifts.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
