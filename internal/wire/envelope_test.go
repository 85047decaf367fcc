package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/calendar"
)

func TestIdentity(t *testing.T) {
	h := Header{SenderID: "peer-a", Timestamp: 1000}

	assert.Equal(t, "peer-a:1000:CREATE_EVENT:ev-1",
		Identity(CreateEvent{Header: h, Event: calendar.Event{ID: "ev-1"}}))
	assert.Equal(t, "peer-a:1000:DELETE_EVENT:ev-2",
		Identity(DeleteEvent{Header: h, ID: "ev-2"}))
	assert.Equal(t, "peer-a:1000:SYNC_EVENTS:",
		Identity(SyncEvents{Header: h, CalendarID: "cal-1"}))
}

func TestActionType_IsMutation(t *testing.T) {
	assert.True(t, TypeCreateEvent.IsMutation())
	assert.True(t, TypeUpdateEvent.IsMutation())
	assert.True(t, TypeDeleteEvent.IsMutation())
	assert.False(t, TypeSyncEvents.IsMutation())
	assert.False(t, TypeSyncCalendarDescription.IsMutation())
	assert.False(t, TypeUnshareCalendar.IsMutation())
}

func TestActionType_String(t *testing.T) {
	assert.Equal(t, "SYNC_CALENDAR_DESCRIPTION", TypeSyncCalendarDescription.String())
	assert.Equal(t, "ActionType(99)", ActionType(99).String())
}

func TestWithCalendar(t *testing.T) {
	t.Run("keeps explicit calendar", func(t *testing.T) {
		env := DeleteEvent{CalendarID: "cal-1", ID: "ev-1"}
		assert.Equal(t, env, WithCalendar(env, "cal-2"))
	})

	t.Run("fills missing calendar", func(t *testing.T) {
		got := WithCalendar(CreateEvent{Event: calendar.Event{ID: "ev-1"}}, "cal-2")
		assert.Equal(t, "cal-2", got.Calendar())
	})

	t.Run("does not alias bulk events", func(t *testing.T) {
		events := []calendar.Event{{ID: "ev-1"}}
		orig := SyncEvents{Events: events}

		got := WithCalendar(orig, "cal-2")

		sync, ok := got.(SyncEvents)
		require.True(t, ok)
		assert.Equal(t, "cal-2", sync.Events[0].CalendarID)
		assert.Empty(t, events[0].CalendarID, "original envelope must stay unchanged")
	})
}
