package transport

import "sync"

// HealthCell is a latest-value channel for Health updates. A slow reader
// skips intermediate values and always observes the most recent one.
type HealthCell struct {
	mu     sync.Mutex
	ch     chan Health
	last   Health
	closed bool
}

// NewHealthCell creates a cell holding initial, already readable.
func NewHealthCell(initial Health) *HealthCell {
	c := &HealthCell{ch: make(chan Health, 1), last: initial}
	c.ch <- initial
	return c
}

// Set publishes h if it differs from the last value.
func (c *HealthCell) Set(h Health) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || h == c.last {
		return
	}
	c.last = h
	select {
	case <-c.ch:
	default:
	}
	c.ch <- h
}

// Get returns the last value set.
func (c *HealthCell) Get() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// C returns the update channel.
func (c *HealthCell) C() <-chan Health {
	return c.ch
}

// Close closes the update channel. Later Sets are ignored.
func (c *HealthCell) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
