// Package clock abstracts time for testability. Every component
// that evaluates expiries takes a Clock so tests can fast-forward
// instead of sleeping.
package clock

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Now returns the current time.
func (realClock) Now() time.Time {
	return time.Now()
}

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}
