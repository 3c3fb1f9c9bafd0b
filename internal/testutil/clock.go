package testutil

import (
	"sync"
	"time"
)

// Epoch is the start time of clocks created with NewClock.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Clock is a deterministic time source for tests.
//
// Now returns the current time and then moves it forward by the configured
// step, so consecutive calls yield strictly increasing times. A zero step
// freezes the clock until Advance is called.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock starting at Epoch that advances one second per
// call to Now.
func NewClock() *Clock {
	return &Clock{now: Epoch, step: time.Second}
}

// NewFrozenClock creates a clock starting at Epoch that only moves on Advance.
func NewFrozenClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current time and advances by the step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Peek returns the current time without advancing.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
