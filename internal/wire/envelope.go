// Package wire defines the action envelopes peers exchange on a calendar
// topic and their binary encoding.
//
// Envelopes form a closed union: every concrete type below implements
// Envelope and nothing outside this package can. Consumers switch on the
// concrete type:
//
//	switch env := env.(type) {
//	case wire.CreateEvent:
//	case wire.UpdateEvent:
//	case wire.DeleteEvent:
//	case wire.SyncEvents:
//	case wire.SyncCalendarDescription:
//	case wire.UnshareCalendar:
//	}
package wire

import (
	"fmt"

	"github.com/roach88/meshcal/internal/calendar"
)

// ActionType tags the envelope variant on the wire.
type ActionType int32

// Wire values are stable; zero is reserved so an absent type never decodes
// as a real action.
const (
	TypeUnspecified             ActionType = 0
	TypeCreateEvent             ActionType = 1
	TypeUpdateEvent             ActionType = 2
	TypeDeleteEvent             ActionType = 3
	TypeSyncEvents              ActionType = 4
	TypeSyncCalendarDescription ActionType = 5
	TypeUnshareCalendar         ActionType = 6
)

var typeNames = map[ActionType]string{
	TypeUnspecified:             "UNSPECIFIED",
	TypeCreateEvent:             "CREATE_EVENT",
	TypeUpdateEvent:             "UPDATE_EVENT",
	TypeDeleteEvent:             "DELETE_EVENT",
	TypeSyncEvents:              "SYNC_EVENTS",
	TypeSyncCalendarDescription: "SYNC_CALENDAR_DESCRIPTION",
	TypeUnshareCalendar:         "UNSHARE_CALENDAR",
}

func (t ActionType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ActionType(%d)", int32(t))
}

// IsMutation reports whether t is a single-event mutation subject to the
// per-calendar watermark.
func (t ActionType) IsMutation() bool {
	return t == TypeCreateEvent || t == TypeUpdateEvent || t == TypeDeleteEvent
}

// Header carries the fields common to every envelope.
type Header struct {
	SenderID  string // per-process identity of the publisher
	Timestamp int64  // publisher wall clock, milliseconds since epoch
}

// Head returns the header. Promoted to every envelope type.
func (h Header) Head() Header { return h }

// Envelope is one logical action exchanged between peers.
type Envelope interface {
	Head() Header
	Type() ActionType
	// Calendar returns the calendar the action applies to.
	Calendar() string
	// EventID returns the affected event id, or "" for calendar-level actions.
	EventID() string

	sealed()
}

// CreateEvent announces a new event.
type CreateEvent struct {
	Header
	Event calendar.Event
}

// UpdateEvent replaces an existing event within the same calendar.
type UpdateEvent struct {
	Header
	Event calendar.Event
}

// DeleteEvent removes an event.
type DeleteEvent struct {
	Header
	CalendarID string
	ID         string
}

// SyncEvents is a bulk historical replay of a calendar's events.
type SyncEvents struct {
	Header
	CalendarID string
	Events     []calendar.Event
}

// SyncCalendarDescription broadcasts calendar metadata.
type SyncCalendarDescription struct {
	Header
	CalendarID  string
	Description string
}

// UnshareCalendar tells subscribers the sharer is withdrawing.
type UnshareCalendar struct {
	Header
	CalendarID   string
	CalendarName string
}

func (CreateEvent) Type() ActionType             { return TypeCreateEvent }
func (UpdateEvent) Type() ActionType             { return TypeUpdateEvent }
func (DeleteEvent) Type() ActionType             { return TypeDeleteEvent }
func (SyncEvents) Type() ActionType              { return TypeSyncEvents }
func (SyncCalendarDescription) Type() ActionType { return TypeSyncCalendarDescription }
func (UnshareCalendar) Type() ActionType         { return TypeUnshareCalendar }

func (e CreateEvent) Calendar() string             { return e.Event.CalendarID }
func (e UpdateEvent) Calendar() string             { return e.Event.CalendarID }
func (e DeleteEvent) Calendar() string             { return e.CalendarID }
func (e SyncEvents) Calendar() string              { return e.CalendarID }
func (e SyncCalendarDescription) Calendar() string { return e.CalendarID }
func (e UnshareCalendar) Calendar() string         { return e.CalendarID }

func (e CreateEvent) EventID() string           { return e.Event.ID }
func (e UpdateEvent) EventID() string           { return e.Event.ID }
func (e DeleteEvent) EventID() string           { return e.ID }
func (SyncEvents) EventID() string              { return "" }
func (SyncCalendarDescription) EventID() string { return "" }
func (UnshareCalendar) EventID() string         { return "" }

func (CreateEvent) sealed()             {}
func (UpdateEvent) sealed()             {}
func (DeleteEvent) sealed()             {}
func (SyncEvents) sealed()              {}
func (SyncCalendarDescription) sealed() {}
func (UnshareCalendar) sealed()         {}

// Identity returns the de-duplication key of env:
// "senderId:timestamp:type:eventId".
func Identity(env Envelope) string {
	h := env.Head()
	return fmt.Sprintf("%s:%d:%s:%s", h.SenderID, h.Timestamp, env.Type(), env.EventID())
}

// WithCalendar returns env bound to calendarID when env does not name a
// calendar itself. Senders that omit the calendar field still get their
// actions attributed to the topic the message arrived on.
func WithCalendar(env Envelope, calendarID string) Envelope {
	if env.Calendar() != "" {
		return env
	}
	switch e := env.(type) {
	case CreateEvent:
		e.Event.CalendarID = calendarID
		return e
	case UpdateEvent:
		e.Event.CalendarID = calendarID
		return e
	case DeleteEvent:
		e.CalendarID = calendarID
		return e
	case SyncEvents:
		e.CalendarID = calendarID
		events := make([]calendar.Event, len(e.Events))
		copy(events, e.Events)
		for i := range events {
			if events[i].CalendarID == "" {
				events[i].CalendarID = calendarID
			}
		}
		e.Events = events
		return e
	case SyncCalendarDescription:
		e.CalendarID = calendarID
		return e
	case UnshareCalendar:
		e.CalendarID = calendarID
		return e
	}
	return env
}
