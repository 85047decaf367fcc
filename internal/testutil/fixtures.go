package testutil

import (
	"fmt"
	"time"

	"github.com/roach88/meshcal/internal/calendar"
)

// Day parses a YYYY-MM-DD literal, panicking on bad input.
func Day(s string) time.Time {
	d, err := calendar.ParseDay(s)
	if err != nil {
		panic(fmt.Sprintf("testutil.Day(%q): %v", s, err))
	}
	return d
}

// Event returns a timed event on day with a predictable title.
func Event(id, calendarID, day string) calendar.Event {
	return calendar.Event{
		ID:         id,
		Title:      "Event " + id,
		CalendarID: calendarID,
		Date:       Day(day),
		StartTime:  "09:00",
		EndTime:    "10:00",
	}
}

// Events returns n events on consecutive days starting at first, with ids
// "<calendarID>-ev-1" onwards.
func Events(calendarID, first string, n int) []calendar.Event {
	start := Day(first)
	out := make([]calendar.Event, 0, n)
	for i := 1; i <= n; i++ {
		day := start.AddDate(0, 0, i-1).Format(calendar.DayLayout)
		out = append(out, Event(fmt.Sprintf("%s-ev-%d", calendarID, i), calendarID, day))
	}
	return out
}
