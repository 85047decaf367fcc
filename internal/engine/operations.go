package engine

import (
	"context"
	"time"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/transport"
	"github.com/roach88/meshcal/internal/wire"
)

func (e *Engine) header() wire.Header {
	return wire.Header{SenderID: e.senderID, Timestamp: e.clock.Next()}
}

// publish encodes env and sends it on its calendar's channel. It returns
// false, without calling OnError, when the calendar has no channel or the
// node is disconnected.
func (e *Engine) publish(ctx context.Context, env wire.Envelope) bool {
	cal := env.Calendar()
	if !e.HasChannel(cal) {
		e.logger.Debug("skipping publish", "error", &SyncError{Code: ErrCodeChannelAbsent, Op: env.Type().String(), CalendarID: cal})
		return false
	}
	if !e.connected() {
		e.logger.Debug("skipping publish: node disconnected", "calendar", cal, "type", env.Type())
		return false
	}

	data, err := wire.Encode(env)
	if err != nil {
		e.logger.Error("encode envelope", "error", &SyncError{Code: ErrCodeEncode, Op: env.Type().String(), CalendarID: cal, Err: err})
		return false
	}
	ref, err := e.registry.Publish(ctx, cal, data)
	if err != nil {
		e.reportError(transportErr(env.Type().String(), cal, err))
		return false
	}
	e.logger.Debug("published", "calendar", cal, "type", env.Type(), "event", env.EventID(), "ref", ref, "bytes", len(data))
	return true
}

// CreateEvent broadcasts a new event on its calendar's channel.
func (e *Engine) CreateEvent(ctx context.Context, ev calendar.Event) bool {
	return e.publish(ctx, wire.CreateEvent{Header: e.header(), Event: ev})
}

// UpdateEvent broadcasts a changed event on its calendar's channel.
func (e *Engine) UpdateEvent(ctx context.Context, ev calendar.Event) bool {
	return e.publish(ctx, wire.UpdateEvent{Header: e.header(), Event: ev})
}

// DeleteEvent broadcasts the removal of eventID from calendarID.
func (e *Engine) DeleteEvent(ctx context.Context, calendarID, eventID string) bool {
	return e.publish(ctx, wire.DeleteEvent{Header: e.header(), CalendarID: calendarID, ID: eventID})
}

// MoveEvent broadcasts ev's move from fromCalendarID to ev.CalendarID as a
// delete on the origin channel and a create on the destination channel.
// Either side is skipped when that calendar is not shared. The two
// publishes are not atomic: a failed create after a successful delete
// leaves the event missing from both shared views.
func (e *Engine) MoveEvent(ctx context.Context, ev calendar.Event, fromCalendarID string) bool {
	if fromCalendarID == ev.CalendarID {
		return e.UpdateEvent(ctx, ev)
	}
	fromShared, toShared := e.HasChannel(fromCalendarID), e.HasChannel(ev.CalendarID)

	switch {
	case fromShared && toShared:
		deleted := e.DeleteEvent(ctx, fromCalendarID, ev.ID)
		created := e.CreateEvent(ctx, ev)
		if deleted && !created {
			e.logger.Warn("move half-applied: deleted from origin but create failed",
				"event", ev.ID, "from", fromCalendarID, "to", ev.CalendarID)
		}
		return deleted && created
	case fromShared:
		return e.DeleteEvent(ctx, fromCalendarID, ev.ID)
	case toShared:
		return e.CreateEvent(ctx, ev)
	default:
		return false
	}
}

// SyncCalendarDescription broadcasts a calendar's description.
func (e *Engine) SyncCalendarDescription(ctx context.Context, calendarID, description string) bool {
	return e.publish(ctx, wire.SyncCalendarDescription{Header: e.header(), CalendarID: calendarID, Description: description})
}

// UnshareCalendar broadcasts that this peer stops sharing calendarID. The
// channel stays open; see StopSharing.
func (e *Engine) UnshareCalendar(ctx context.Context, calendarID, name string) bool {
	return e.publish(ctx, wire.UnshareCalendar{Header: e.header(), CalendarID: calendarID, CalendarName: name})
}

// InitializeSharing re-broadcasts cal's description (if any) and then either
// every event of cal (full sync) or only events dated after the calendar's
// watermark (incremental sync). Full sync is used when forceFullSync is set
// or no watermark exists yet. Reports whether every publish succeeded.
func (e *Engine) InitializeSharing(ctx context.Context, cal calendar.Calendar, events []calendar.Event, forceFullSync bool) bool {
	if !e.HasChannel(cal.ID) {
		e.logger.Debug("initialize sharing skipped", "error", &SyncError{Code: ErrCodeChannelAbsent, Op: "initialize", CalendarID: cal.ID})
		return false
	}
	ok := true
	if cal.Description != "" {
		ok = e.SyncCalendarDescription(ctx, cal.ID, cal.Description)
	}

	own := calendar.FilterByCalendar(events, cal.ID)
	watermark, incremental := e.ledger.Watermark(cal.ID)
	incremental = incremental && !forceFullSync

	send := own
	if incremental {
		send = make([]calendar.Event, 0, len(own))
		for _, ev := range own {
			if ev.Date.UnixMilli() > watermark {
				send = append(send, ev)
			}
		}
	}
	e.logger.Info("initial sync", "calendar", cal.ID, "incremental", incremental, "events", len(send), "local", len(own))
	if len(send) == 0 {
		return ok
	}
	return e.publish(ctx, wire.SyncEvents{Header: e.header(), CalendarID: cal.ID, Events: send}) && ok
}

// CanUseIncrementalSync reports whether calendarID has a watermark, i.e.
// whether InitializeSharing without force would send a subset.
func (e *Engine) CanUseIncrementalSync(calendarID string) bool {
	return e.ledger.HasWatermark(calendarID)
}

// StopSharing broadcasts UnshareCalendar, waits the configured grace period
// so the notice can leave, then closes the channel and forgets the
// watermark. Reports whether a channel existed.
func (e *Engine) StopSharing(ctx context.Context, calendarID, name string) bool {
	if !e.HasChannel(calendarID) {
		return false
	}
	if e.UnshareCalendar(ctx, calendarID, name) {
		if err := transport.Sleep(ctx, e.opts.UnshareGrace); err != nil {
			e.logger.Debug("unshare grace interrupted", "calendar", calendarID, "error", err)
		}
	}
	return e.Leave(calendarID)
}

// Leave closes calendarID's channel without notifying peers and forgets its
// watermark so a later rejoin performs a full sync.
func (e *Engine) Leave(calendarID string) bool {
	removed := e.registry.Remove(calendarID)
	e.ledger.Reset(calendarID)
	if e.opts.Watermarks != nil {
		if err := e.opts.Watermarks.ClearWatermark(context.Background(), calendarID); err != nil {
			e.logger.Warn("clear watermark", "calendar", calendarID, "error", err)
		}
	}
	return removed
}

// ResyncAll runs an incremental InitializeSharing for every open channel
// whose calendar and events are returned by lookup. Used by periodic
// resync.
func (e *Engine) ResyncAll(ctx context.Context, lookup func(calendarID string) (calendar.Calendar, []calendar.Event, bool)) int {
	n := 0
	start := time.Now()
	for _, id := range e.registry.IDs() {
		cal, events, ok := lookup(id)
		if !ok {
			continue
		}
		if e.InitializeSharing(ctx, cal, events, false) {
			n++
		}
	}
	e.logger.Debug("resync complete", "calendars", n, "elapsed", time.Since(start))
	return n
}
