package engine

import (
	"sync/atomic"
	"time"
)

// Clock stamps outbound envelopes with wall-clock milliseconds, forced
// strictly increasing within the process. Two sends in the same millisecond
// therefore never share an identity or a watermark slot.
//
// Thread-safety: Clock is safe for concurrent use (atomic compare-and-swap).
type Clock struct {
	now  func() time.Time
	last atomic.Int64
}

// NewClock creates a clock reading now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns max(now, previous+1) in Unix milliseconds.
func (c *Clock) Next() int64 {
	for {
		prev := c.last.Load()
		ts := c.now().UnixMilli()
		if ts <= prev {
			ts = prev + 1
		}
		if c.last.CompareAndSwap(prev, ts) {
			return ts
		}
	}
}

// Current returns the last timestamp handed out, or 0.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
