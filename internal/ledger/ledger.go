// Package ledger decides which inbound envelopes reach the application.
//
// A Ledger rejects, in order:
//   - echoes of the local process's own messages (sender id match)
//   - envelopes whose identity (senderId:timestamp:type:eventId) was already seen
//   - single-event mutations at or below the calendar's watermark
//
// The identity set is bounded. Once it exceeds its capacity the oldest
// entries (by insertion, not by use) are evicted in one batch. Bulk
// SyncEvents replays are never subject to the watermark: they carry
// history that is expected to be older than recent mutations.
package ledger

import (
	"errors"
	"sync"

	"github.com/roach88/meshcal/internal/wire"
)

// Defaults for the identity set.
const (
	DefaultCapacity  = 10_000
	DefaultTrimRatio = 0.3
)

// Rejection reasons returned by Check.
var (
	ErrSelf      = errors.New("own message")
	ErrDuplicate = errors.New("duplicate message")
	ErrStale     = errors.New("message at or below calendar watermark")
)

// Ledger tracks seen message identities and per-calendar watermarks.
//
// Thread-safety: all methods are safe for concurrent use. The identity set
// and the watermark map each have their own mutex.
type Ledger struct {
	localID   string
	capacity  int
	trimRatio float64

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // insertion order, oldest first

	wmu        sync.Mutex
	watermarks map[string]int64

	onAdvance func(calendarID string, ts int64)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCapacity bounds the identity set. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithTrimRatio sets the fraction of capacity evicted on overflow.
// Values outside (0, 1] are ignored.
func WithTrimRatio(r float64) Option {
	return func(l *Ledger) {
		if r > 0 && r <= 1 {
			l.trimRatio = r
		}
	}
}

// WithAdvanceHook registers fn to be called, outside any lock, each time a
// calendar's watermark moves forward.
func WithAdvanceHook(fn func(calendarID string, ts int64)) Option {
	return func(l *Ledger) {
		l.onAdvance = fn
	}
}

// New creates a ledger that treats localSenderID as its own identity.
func New(localSenderID string, opts ...Option) *Ledger {
	l := &Ledger{
		localID:    localSenderID,
		capacity:   DefaultCapacity,
		trimRatio:  DefaultTrimRatio,
		seen:       make(map[string]struct{}),
		watermarks: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ShouldAdmit reports whether env should be delivered. A true result is
// returned at most once per identity.
func (l *Ledger) ShouldAdmit(env wire.Envelope) bool {
	return l.Check(env) == nil
}

// Check is ShouldAdmit with the rejection reason: ErrSelf, ErrDuplicate, or
// ErrStale. A nil result records the identity and, for mutations, advances
// the calendar's watermark.
func (l *Ledger) Check(env wire.Envelope) error {
	h := env.Head()
	if h.SenderID == l.localID {
		return ErrSelf
	}
	if !l.insert(wire.Identity(env)) {
		return ErrDuplicate
	}
	if !env.Type().IsMutation() {
		return nil
	}
	if !l.advance(env.Calendar(), h.Timestamp) {
		return ErrStale
	}
	return nil
}

// insert records id; false if it was already present.
func (l *Ledger) insert(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.capacity {
		l.evictLocked()
	}
	return true
}

// evictLocked drops the oldest trimRatio*capacity ids (at least enough to
// get back under capacity). Caller holds l.mu.
func (l *Ledger) evictLocked() {
	n := int(float64(l.capacity) * l.trimRatio)
	if over := len(l.order) - l.capacity; n < over {
		n = over
	}
	if n < 1 {
		n = 1
	}
	for _, id := range l.order[:n] {
		delete(l.seen, id)
	}
	// Copy into a fresh slice so the evicted prefix is released.
	rest := make([]string, len(l.order)-n, l.capacity+1)
	copy(rest, l.order[n:])
	l.order = rest
}

// advance moves the watermark for calendarID to ts if ts is strictly newer.
func (l *Ledger) advance(calendarID string, ts int64) bool {
	l.wmu.Lock()
	cur, ok := l.watermarks[calendarID]
	if ok && ts <= cur {
		l.wmu.Unlock()
		return false
	}
	l.watermarks[calendarID] = ts
	l.wmu.Unlock()

	if l.onAdvance != nil {
		l.onAdvance(calendarID, ts)
	}
	return true
}

// Watermark returns the highest admitted mutation timestamp for calendarID.
func (l *Ledger) Watermark(calendarID string) (int64, bool) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	ts, ok := l.watermarks[calendarID]
	return ts, ok
}

// HasWatermark reports whether any mutation has been admitted for calendarID.
func (l *Ledger) HasWatermark(calendarID string) bool {
	_, ok := l.Watermark(calendarID)
	return ok
}

// Reset forgets the watermark for calendarID so the next activation performs
// a full resync.
func (l *Ledger) Reset(calendarID string) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	delete(l.watermarks, calendarID)
}

// Restore seeds watermarks, typically from persisted state at startup.
// Existing higher watermarks are kept.
func (l *Ledger) Restore(watermarks map[string]int64) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	for cal, ts := range watermarks {
		if cur, ok := l.watermarks[cal]; !ok || ts > cur {
			l.watermarks[cal] = ts
		}
	}
}

// Watermarks returns a copy of all watermarks.
func (l *Ledger) Watermarks() map[string]int64 {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	out := make(map[string]int64, len(l.watermarks))
	for k, v := range l.watermarks {
		out[k] = v
	}
	return out
}

// Seen reports whether an identity is currently held.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of identities held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Capacity returns the identity set bound.
func (l *Ledger) Capacity() int {
	return l.capacity
}
