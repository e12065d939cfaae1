package util

import (
	"time"

	"cloud.google.com/go/civil"
)

// Clock supplies the current time. Runs take "today" from a Clock so tests can pin it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// FixedClock always returns the same instant. Intended for tests and replays.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time {
	return c.T
}

// Today returns the local calendar date of c.
func Today(c Clock) civil.Date {
	return civil.DateOf(c.Now())
}
