package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/calendar"
)

func day(s string) time.Time {
	d, err := calendar.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEvents_SaveGetRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	ev := calendar.Event{
		ID:         "ev-1",
		Title:      "Standup",
		CalendarID: "cal-1",
		Date:       day("2025-02-03"),
		StartTime:  "09:15",
		EndTime:    "09:30",
		Meta: &calendar.Metadata{
			Location:  "Room 4",
			Attendees: []string{"ana", "bo"},
			Reminders: []int{10, -5},
			Custom:    map[string]string{"zoom": "123"},
		},
	}
	require.NoError(t, s.SaveEvent(ctx, ev))

	got, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestEvents_SaveIsUpsert(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	ev := calendar.Event{ID: "ev-1", Title: "Old", CalendarID: "cal-1", Date: day("2025-01-01"), AllDay: true}
	require.NoError(t, s.SaveEvent(ctx, ev))

	ev.Title = "New"
	ev.CalendarID = "cal-2"
	require.NoError(t, s.SaveEvent(ctx, ev))

	got, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Title)
	assert.Equal(t, "cal-2", got.CalendarID)
	assert.True(t, got.AllDay)
	assert.Nil(t, got.Meta)
}

func TestEvents_RejectsInvalid(t *testing.T) {
	s := openTemp(t)

	err := s.SaveEvent(context.Background(), calendar.Event{ID: "ev-1"})
	assert.Error(t, err)
}

func TestEvents_ListOrderAndFilter(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for _, ev := range []calendar.Event{
		{ID: "b", Title: "t", CalendarID: "cal-1", Date: day("2025-01-02"), StartTime: "08:00"},
		{ID: "a", Title: "t", CalendarID: "cal-1", Date: day("2025-01-02"), StartTime: "08:00"},
		{ID: "c", Title: "t", CalendarID: "cal-2", Date: day("2025-01-01")},
		{ID: "d", Title: "t", CalendarID: "cal-1", Date: day("2025-01-02"), StartTime: "07:00"},
	} {
		require.NoError(t, s.SaveEvent(ctx, ev))
	}

	all, err := s.LoadEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "a", "b"}, ids(all))

	cal1, err := s.EventsByCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a", "b"}, ids(cal1))

	none, err := s.EventsByCalendar(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func ids(evs []calendar.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestEvents_DeleteAndNotFound(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.SaveEvent(ctx, calendar.Event{ID: "ev-1", Title: "t", CalendarID: "c", Date: day("2025-01-01")}))

	require.NoError(t, s.DeleteEvent(ctx, "ev-1"))
	require.NoError(t, s.DeleteEvent(ctx, "ev-1"), "deleting twice is fine")

	_, err := s.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvents_DeleteInLeavesMovedEvent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.SaveEvent(ctx, calendar.Event{ID: "ev-1", Title: "t", CalendarID: "c2", Date: day("2025-01-01")}))

	require.NoError(t, s.DeleteEventIn(ctx, "c1", "ev-1"))
	got, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.CalendarID)

	require.NoError(t, s.DeleteEventIn(ctx, "c2", "ev-1"))
	_, err = s.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalendars_CRUD(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000).UTC()

	c := calendar.Calendar{
		ID: "cal-1", Name: "Work", Description: "Team calendar", Color: "#336699",
		Private: true, ShareKey: "k", Shared: true, Joined: true, CreatedAt: created,
	}
	require.NoError(t, s.SaveCalendar(ctx, c))
	require.NoError(t, s.SaveCalendar(ctx, calendar.Calendar{ID: "cal-0", Name: "Home"}))

	got, err := s.GetCalendar(ctx, "cal-1")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	list, err := s.LoadCalendars(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Home", list[0].Name)

	c.Shared = false
	require.NoError(t, s.SaveCalendar(ctx, c))
	got, _ = s.GetCalendar(ctx, "cal-1")
	assert.False(t, got.Shared)
	assert.Equal(t, created, got.CreatedAt, "created_at is kept on update")

	_, err = s.GetCalendar(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalendars_DeleteCascades(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCalendar(ctx, calendar.Calendar{ID: "cal-1", Name: "Work"}))
	require.NoError(t, s.SaveEvent(ctx, calendar.Event{ID: "ev-1", Title: "t", CalendarID: "cal-1", Date: day("2025-01-01")}))
	require.NoError(t, s.SaveEvent(ctx, calendar.Event{ID: "ev-2", Title: "t", CalendarID: "cal-2", Date: day("2025-01-01")}))
	require.NoError(t, s.SaveWatermark(ctx, "cal-1", 10))

	require.NoError(t, s.DeleteCalendar(ctx, "cal-1"))

	evs, err := s.LoadEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2"}, ids(evs))
	wms, err := s.LoadWatermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, wms)
}

func TestWatermarks_Monotonic(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWatermark(ctx, "cal-1", 100))
	require.NoError(t, s.SaveWatermark(ctx, "cal-1", 50))
	require.NoError(t, s.SaveWatermark(ctx, "cal-2", 7))

	wms, err := s.LoadWatermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"cal-1": 100, "cal-2": 7}, wms)

	require.NoError(t, s.ClearWatermark(ctx, "cal-1"))
	wms, _ = s.LoadWatermarks(ctx)
	assert.Equal(t, map[string]int64{"cal-2": 7}, wms)
}

func TestClearAll(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCalendar(ctx, calendar.Calendar{ID: "cal-1", Name: "Work"}))
	require.NoError(t, s.SaveEvent(ctx, calendar.Event{ID: "ev-1", Title: "t", CalendarID: "cal-1", Date: day("2025-01-01")}))
	require.NoError(t, s.SaveWatermark(ctx, "cal-1", 1))

	require.NoError(t, s.ClearAll(ctx))

	cals, _ := s.LoadCalendars(ctx)
	evs, _ := s.LoadEvents(ctx)
	wms, _ := s.LoadWatermarks(ctx)
	assert.Empty(t, cals)
	assert.Empty(t, evs)
	assert.Empty(t, wms)
}
