// Package status folds per-channel connection states into one global state.
package status

import "sync"

// State is the connection state of one channel, or of the whole engine.
type State int

const (
	Disconnected State = iota
	Minimal
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Minimal:
		return "minimal"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Aggregate returns Disconnected for no channels or all disconnected,
// Connected when every channel is connected, and Minimal for any other mix.
func Aggregate(states []State) State {
	if len(states) == 0 {
		return Disconnected
	}
	connected, disconnected := 0, 0
	for _, s := range states {
		switch s {
		case Connected:
			connected++
		case Disconnected:
			disconnected++
		}
	}
	switch {
	case connected == len(states):
		return Connected
	case disconnected == len(states):
		return Disconnected
	default:
		return Minimal
	}
}

// Aggregator remembers the last aggregate and notifies listeners when it
// changes. It never stores channel states itself: callers pass a fresh
// snapshot to every Recompute.
type Aggregator struct {
	mu        sync.Mutex
	current   State
	listeners []func(State)
}

// NewAggregator returns an aggregator starting at Disconnected.
func NewAggregator() *Aggregator {
	return &Aggregator{current: Disconnected}
}

// OnChange registers fn to run after each change of the aggregate.
func (a *Aggregator) OnChange(fn func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Recompute folds states and reports the new aggregate and whether it
// differs from the previous one. Listeners run outside the lock.
func (a *Aggregator) Recompute(states []State) (State, bool) {
	next := Aggregate(states)

	a.mu.Lock()
	changed := next != a.current
	a.current = next
	var listeners []func(State)
	if changed {
		listeners = append(listeners, a.listeners...)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, changed
}

// Current returns the last computed aggregate.
func (a *Aggregator) Current() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
