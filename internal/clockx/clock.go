// Package clockx abstracts time for components that sleep or enforce
// deadlines, so tests can drive polling loops deterministically.
package clockx

import "time"

// Clock provides the current time and timer channels. The system
// implementation delegates to the time package; tests inject a fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the real wall clock.
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) Now() time.Time { return time.Now() }

func (*System) After(d time.Duration) <-chan time.Time { return time.After(d) }
