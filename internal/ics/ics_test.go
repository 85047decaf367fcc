package ics_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshcal/internal/calendar"
	"github.com/roach88/meshcal/internal/ics"
	"github.com/roach88/meshcal/internal/testutil"
)

var stamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestExport_WritesCalendarAndEvents(t *testing.T) {
	cal := calendar.Calendar{ID: "cal-1", Name: "Team", Description: "Shared team events"}
	events := []calendar.Event{
		testutil.Event("ev-1", "cal-1", "2025-03-01"),
		{ID: "ev-2", Title: "Offsite", CalendarID: "cal-1", Date: testutil.Day("2025-03-02"), AllDay: true},
	}

	var buf bytes.Buffer
	require.NoError(t, ics.Export(&buf, cal, events, stamp))
	out := buf.String()

	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "PRODID:"+ics.ProductID)
	assert.Contains(t, out, "X-WR-CALNAME:Team")
	assert.Contains(t, out, "UID:ev-1")
	assert.Contains(t, out, "DTSTAMP:20250101T000000Z")
	assert.Contains(t, out, "DTSTART:20250301T090000Z")
	assert.Contains(t, out, "DTEND:20250301T100000Z")
	assert.Contains(t, out, "DTSTART;VALUE=DATE:20250302")
	assert.Equal(t, 2, strings.Count(out, "BEGIN:VEVENT"))
}

func TestExport_RejectsInvalidEvent(t *testing.T) {
	var buf bytes.Buffer
	err := ics.Export(&buf, calendar.Calendar{ID: "c"}, []calendar.Event{{ID: "x"}}, stamp)
	assert.Error(t, err)
}

func TestExportImport_RoundTrip(t *testing.T) {
	timed := testutil.Event("ev-1", "cal-1", "2025-03-01")
	timed.Meta = &calendar.Metadata{
		Location:  "Room 4",
		Attendees: []string{"ana@example.com", "bo@example.com"},
		Reminders: []int{10, 60},
		Category:  "work",
	}
	allDay := calendar.Event{ID: "ev-2", Title: "Offsite", CalendarID: "cal-1", Date: testutil.Day("2025-03-02"), AllDay: true}

	var buf bytes.Buffer
	require.NoError(t, ics.Export(&buf, calendar.Calendar{ID: "cal-1", Name: "Team"}, []calendar.Event{timed, allDay}, stamp))

	got, err := ics.Import(&buf, "cal-1", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, timed, got[0])
	assert.Equal(t, allDay, got[1])
}

func TestImport_AssignsCalendarAndSkipsBadEvents(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:a1",
		"SUMMARY:Dentist",
		"DTSTART:20250410T143000Z",
		"DTEND:20250410T151500Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"SUMMARY:No uid",
		"DTSTART:20250411T090000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:a3",
		"DTSTART;VALUE=DATE:20250412",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	got, err := ics.Import(strings.NewReader(body), "home", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "home", got[0].CalendarID)
	assert.Equal(t, "Dentist", got[0].Title)
	assert.Equal(t, testutil.Day("2025-04-10"), got[0].Date)
	assert.Equal(t, "14:30", got[0].StartTime)
	assert.Equal(t, "15:15", got[0].EndTime)
	assert.Nil(t, got[0].Meta)

	assert.Equal(t, "a3", got[1].ID)
	assert.True(t, got[1].AllDay)
	assert.Equal(t, "(untitled)", got[1].Title)
	assert.Equal(t, testutil.Day("2025-04-12"), got[1].Date)
}

func TestImport_Empty(t *testing.T) {
	_, err := ics.Import(strings.NewReader("  \n"), "home", nil)
	assert.ErrorIs(t, err, ics.ErrEmpty)
}
