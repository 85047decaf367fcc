package engine

import (
	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/wire"
)

// handleInbound runs on a channel's read loop for every payload it yields.
func (e *Engine) handleInbound(calendarID string, payload []byte) {
	if e.opts.DiscardInbound {
		return
	}
	env, err := wire.Decode(payload)
	if err != nil {
		e.logger.Warn("dropping undecodable message",
			"error", &SyncError{Code: ErrCodeDecode, CalendarID: calendarID, Err: err},
			"bytes", len(payload))
		return
	}

	env = wire.WithCalendar(env, calendarID)
	if env.Calendar() != calendarID {
		e.logger.Warn("dropping message for another calendar",
			"calendar", calendarID, "claimed", env.Calendar(), "type", env.Type())
		return
	}

	if bulk, ok := env.(wire.SyncEvents); ok {
		env = e.keepOwnEvents(bulk)
	}

	if err := e.ledger.Check(env); err != nil {
		e.logger.Debug("rejected", "calendar", calendarID, "id", wire.Identity(env), "reason", err)
		return
	}
	e.logger.Debug("admitted", "calendar", calendarID, "id", wire.Identity(env))

	if e.opts.Router != nil {
		e.opts.Router.Route(env)
	}
}

// keepOwnEvents drops the events of a bulk sync that claim another
// calendar than the channel it arrived on.
func (e *Engine) keepOwnEvents(bulk wire.SyncEvents) wire.SyncEvents {
	kept := make([]calendar.Event, 0, len(bulk.Events))
	for _, ev := range bulk.Events {
		if ev.CalendarID != bulk.CalendarID {
			e.logger.Warn("dropping synced event for another calendar",
				"calendar", bulk.CalendarID, "claimed", ev.CalendarID, "event", ev.ID)
			continue
		}
		kept = append(kept, ev)
	}
	bulk.Events = kept
	return bulk
}
