// Package channel binds calendars to transport topics.
//
// Each Channel owns two goroutines: a health loop, which is the only writer
// of the channel's connection state, and a read loop, which resubscribes
// whenever the inbound stream ends and hands every payload to the
// registry's inbound callback.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/meshcal/internal/status"
	"github.com/roach88/meshcal/internal/transport"
)

// Namespace prefixes every calendar topic.
const Namespace = "/meshcal/1"

// ErrChannelAbsent is returned for operations on a calendar with no channel.
var ErrChannelAbsent = errors.New("no channel for calendar")

// resubscribeDelay spaces out resubscribe attempts after a stream ends.
var resubscribeDelay = 100 * time.Millisecond

// TopicFor derives a calendar's topic. Every peer computes the same name
// from the calendar id alone.
func TopicFor(calendarID string) string {
	return Namespace + "/" + calendarID + "/events"
}

// StateFor maps transport health to a channel state.
func StateFor(h transport.Health) status.State {
	switch h {
	case transport.HealthSufficient:
		return status.Connected
	case transport.HealthMinimal:
		return status.Minimal
	default:
		return status.Disconnected
	}
}

// Channel is one calendar's binding to its topic.
type Channel struct {
	CalendarID string
	Topic      string

	handle *transport.Handle
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// State returns the channel's last health-derived state.
func (c *Channel) State() status.State {
	return status.State(c.state.Load())
}

// Private reports whether the channel seals its payloads.
func (c *Channel) Private() bool {
	return c.handle.Private()
}

// InboundFunc receives every raw payload read from a channel.
type InboundFunc func(calendarID string, payload []byte)

// Options configures a Registry.
type Options struct {
	Logger *slog.Logger

	// Inbound is called from the channel's read loop. Channels read
	// independently, so calls for different calendars may run concurrently.
	Inbound InboundFunc

	// OnChange is called after a channel is added or removed and after any
	// channel's state changes.
	OnChange func()
}

// Registry holds at most one channel per calendar id.
type Registry struct {
	adapter *transport.Adapter
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates an empty registry over adapter.
func NewRegistry(adapter *transport.Adapter, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapter:  adapter,
		logger:   logger,
		opts:     opts,
		channels: make(map[string]*Channel),
	}
}

// Add opens a channel for calendarID. A non-empty shareKey makes the channel
// private. Returns false without error if the calendar already has a
// channel.
func (r *Registry) Add(ctx context.Context, calendarID, shareKey string) (bool, error) {
	if calendarID == "" {
		return false, errors.New("empty calendar id")
	}
	r.mu.Lock()
	if _, ok := r.channels[calendarID]; ok {
		r.mu.Unlock()
		return false, nil
	}
	c, err := r.open(ctx, calendarID, shareKey)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	r.channels[calendarID] = c
	r.mu.Unlock()

	r.logger.Info("channel added", "calendar", calendarID, "topic", c.Topic, "private", c.Private())
	r.changed()
	return true, nil
}

// open joins the topic and starts the channel's loops. Caller holds r.mu.
func (r *Registry) open(ctx context.Context, calendarID, shareKey string) (*Channel, error) {
	var key []byte
	if shareKey != "" {
		k, err := transport.DeriveKey(shareKey, calendarID)
		if err != nil {
			return nil, err
		}
		key = k
	}
	topic := TopicFor(calendarID)
	h, err := r.adapter.OpenChannel(ctx, topic, key)
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", calendarID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Channel{CalendarID: calendarID, Topic: topic, handle: h, cancel: cancel}
	c.state.Store(int32(status.Disconnected))

	c.wg.Add(2)
	go r.healthLoop(loopCtx, c)
	go r.readLoop(loopCtx, c)
	return c, nil
}

// Remove closes and forgets calendarID's channel. In-flight publishes are
// not waited for.
func (r *Registry) Remove(calendarID string) bool {
	r.mu.Lock()
	c, ok := r.channels[calendarID]
	if ok {
		delete(r.channels, calendarID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.close(c)
	r.logger.Info("channel removed", "calendar", calendarID)
	r.changed()
	return true
}

func (r *Registry) close(c *Channel) {
	c.cancel()
	if err := r.adapter.CloseChannel(c.handle); err != nil {
		r.logger.Warn("close channel", "calendar", c.CalendarID, "error", err)
	}
	c.wg.Wait()
}

// Get returns the channel for calendarID.
func (r *Registry) Get(calendarID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[calendarID]
	return c, ok
}

// IDs returns the calendar ids with channels, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States snapshots every channel's state.
func (r *Registry) States() map[string]status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]status.State, len(r.channels))
	for id, c := range r.channels {
		out[id] = c.State()
	}
	return out
}

// Publish sends payload on calendarID's channel.
func (r *Registry) Publish(ctx context.Context, calendarID string, payload []byte) (transport.MessageRef, error) {
	c, ok := r.Get(calendarID)
	if !ok {
		return "", ErrChannelAbsent
	}
	return r.adapter.Publish(ctx, c.handle, payload)
}

// Close removes every channel.
func (r *Registry) Close() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, c := range channels {
		r.close(c)
	}
	if len(channels) > 0 {
		r.changed()
	}
}

func (r *Registry) changed() {
	if r.opts.OnChange != nil {
		r.opts.OnChange()
	}
}

func (r *Registry) healthLoop(ctx context.Context, c *Channel) {
	defer c.wg.Done()
	health := c.handle.Health()
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-health:
			if !ok {
				return
			}
			next := StateFor(h)
			prev := status.State(c.state.Swap(int32(next)))
			if prev != next {
				r.logger.Debug("channel state", "calendar", c.CalendarID, "from", prev, "to", next)
				r.changed()
			}
		}
	}
}

func (r *Registry) readLoop(ctx context.Context, c *Channel) {
	defer c.wg.Done()
	for {
		in, err := c.handle.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			r.logger.Warn("subscribe failed", "calendar", c.CalendarID, "error", err)
		} else {
			for payload := range in {
				if r.opts.Inbound != nil {
					r.opts.Inbound(c.CalendarID, payload)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Debug("resubscribing", "calendar", c.CalendarID)
		if transport.Sleep(ctx, resubscribeDelay) != nil {
			return
		}
	}
}
