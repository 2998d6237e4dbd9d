package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a Clock.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a deterministic wall clock for tests.
//
// Each call to Now returns the current instant and then advances it by the
// configured step, so consecutive writes get distinct, predictable
// timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewClock creates a clock starting at Epoch that advances one second per
// call to Now.
func NewClock() *Clock {
	return NewClockAt(Epoch, time.Second)
}

// NewClockAt creates a clock starting at start that advances by step.
// A zero step freezes time.
func NewClockAt(start time.Time, step time.Duration) *Clock {
	return &Clock{start: start, now: start, step: step}
}

// Now returns the current instant and advances the clock by one step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next call to Now will return.
func (c *Clock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without consuming a tick.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start time.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
