// Package replica persists the actions the sync engine admits.
//
// Applier implements engine.Router. Route only enqueues; a single Run
// goroutine performs every store write, so actions for one calendar are
// applied in the order the engine admitted them.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/queue"
	"github.com/roach88/meshcal/internal/store"
	"github.com/roach88/meshcal/internal/wire"
)

// Store is the subset of *store.Store the applier writes to.
type Store interface {
	SaveEvent(ctx context.Context, ev calendar.Event) error
	DeleteEventIn(ctx context.Context, calendarID, id string) error
	GetCalendar(ctx context.Context, id string) (calendar.Calendar, error)
	SaveCalendar(ctx context.Context, c calendar.Calendar) error
}

// Options configures an Applier.
type Options struct {
	Logger *slog.Logger

	// OnApplied is called after each action has been written.
	OnApplied func(env wire.Envelope)

	// OnUnshare is called when the owner of a joined calendar withdraws it.
	OnUnshare func(calendarID, name string)
}

// Applier queues admitted actions and writes them to a Store.
type Applier struct {
	store  Store
	opts   Options
	logger *slog.Logger
	queue  *queue.FIFO[wire.Envelope]

	mu      sync.Mutex
	applied int
	failed  int
}

// New creates an Applier writing to st.
func New(st Store, opts Options) *Applier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		store:  st,
		opts:   opts,
		logger: logger,
		queue:  queue.New[wire.Envelope](),
	}
}

// Route implements engine.Router. It never blocks.
func (a *Applier) Route(env wire.Envelope) {
	if !a.queue.Enqueue(env) {
		a.logger.Warn("replica closed, dropping action",
			"type", env.Type(), "calendar", env.Calendar())
	}
}

// Pending returns the number of queued, unapplied actions.
func (a *Applier) Pending() int { return a.queue.Len() }

// Stats returns how many actions were applied and how many failed.
func (a *Applier) Stats() (applied, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied, a.failed
}

// Run applies queued actions until ctx is done or Close is called and the
// queue has drained.
//
// Must be called from exactly one goroutine. A failed write is logged and
// the loop moves on to the next action.
func (a *Applier) Run(ctx context.Context) error {
	for {
		if env, ok := a.queue.TryDequeue(); ok {
			err := a.Apply(ctx, env)
			a.mu.Lock()
			if err != nil {
				a.failed++
			} else {
				a.applied++
			}
			a.mu.Unlock()
			if err != nil {
				a.logger.Error("apply failed",
					"type", env.Type(),
					"calendar", env.Calendar(),
					"event", env.EventID(),
					"sender", env.Head().SenderID,
					"error", err,
				)
				continue
			}
			if a.opts.OnApplied != nil {
				a.opts.OnApplied(env)
			}
			continue
		}

		select {
		case <-ctx.Done():
			a.queue.Close()
			return ctx.Err()
		case <-a.queue.Wait():
			if a.queue.Closed() && a.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// Close stops accepting actions. Run returns once the backlog is written.
func (a *Applier) Close() {
	a.queue.Close()
}

// Apply writes one action to the store.
func (a *Applier) Apply(ctx context.Context, env wire.Envelope) error {
	switch e := env.(type) {
	case wire.CreateEvent:
		return a.store.SaveEvent(ctx, e.Event)
	case wire.UpdateEvent:
		return a.store.SaveEvent(ctx, e.Event)
	case wire.DeleteEvent:
		return a.store.DeleteEventIn(ctx, e.CalendarID, e.ID)
	case wire.SyncEvents:
		var errs []error
		for _, ev := range e.Events {
			if err := a.store.SaveEvent(ctx, ev); err != nil {
				errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			}
		}
		return errors.Join(errs...)
	case wire.SyncCalendarDescription:
		c, err := a.calendar(ctx, e.CalendarID)
		if err != nil {
			return err
		}
		c.Description = e.Description
		return a.store.SaveCalendar(ctx, c)
	case wire.UnshareCalendar:
		c, err := a.calendar(ctx, e.CalendarID)
		if err != nil {
			return err
		}
		if !c.Joined {
			a.logger.Warn("ignoring unshare of an owned calendar",
				"calendar", e.CalendarID, "sender", e.SenderID)
			return nil
		}
		if c.Name == "" {
			c.Name = e.CalendarName
		}
		c.Shared = false
		if err := a.store.SaveCalendar(ctx, c); err != nil {
			return err
		}
		a.logger.Info("calendar unshared by peer", "calendar", e.CalendarID, "name", e.CalendarName)
		if a.opts.OnUnshare != nil {
			a.opts.OnUnshare(e.CalendarID, e.CalendarName)
		}
		return nil
	default:
		return fmt.Errorf("unsupported action %T", env)
	}
}

// calendar returns the stored calendar, or a fresh joined record for id
// when this replica has not seen it yet.
func (a *Applier) calendar(ctx context.Context, id string) (calendar.Calendar, error) {
	c, err := a.store.GetCalendar(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return calendar.Calendar{ID: id, Joined: true}, nil
	}
	return c, err
}
