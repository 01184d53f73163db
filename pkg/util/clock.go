package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock is a test clock advanced by hand.
type ManualClock struct {
	T time.Time
}

func (c *ManualClock) Now() time.Time { return c.T }
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.T.Add(d)
	return ch
}

func (c *ManualClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
