package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a settable wall clock for tests.
//
// Now returns the current instant and then advances it by Step, so a
// sequence of reads is reproducible across runs. Pass c.Now wherever a
// func() time.Time is accepted.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewDeterministicClock creates a clock at start that advances step per read.
// A zero step makes the clock fixed.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{start: start, now: start, step: step}
}

// NewFixedClock creates a clock frozen at the given Unix millisecond.
func NewFixedClock(ms int64) *DeterministicClock {
	return NewDeterministicClock(time.UnixMilli(ms), 0)
}

// Now returns the current instant and advances the clock by its step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without advancing.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *DeterministicClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset returns the clock to its start instant.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
