package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DayLayout is the canonical textual form of an event date.
const DayLayout = "2006-01-02"

// ClockLayout is the canonical textual form of start/end times.
const ClockLayout = "15:04"

// Validation errors.
var (
	ErrMissingID       = errors.New("event id is required")
	ErrMissingCalendar = errors.New("calendar id is required")
	ErrMissingTitle    = errors.New("title is required")
	ErrMissingDate     = errors.New("date is required")
	ErrInvalidTime     = errors.New("invalid time of day")
)

// Event is a single calendar entry.
//
// Date is a calendar day at UTC midnight (see Day). StartTime and EndTime
// are optional "HH:MM" strings; both are ignored when AllDay is set.
type Event struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CalendarID string    `json:"calendar_id"`
	Date       time.Time `json:"date"`
	StartTime  string    `json:"start_time,omitempty"`
	EndTime    string    `json:"end_time,omitempty"`
	AllDay     bool      `json:"all_day,omitempty"`
	Meta       *Metadata `json:"meta,omitempty"`
}

// Metadata holds the optional free-form fields of an event.
type Metadata struct {
	Location  string            `json:"location,omitempty"`
	Attendees []string          `json:"attendees,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	Status    string            `json:"status,omitempty"`
	Category  string            `json:"category,omitempty"`
	URL       string            `json:"url,omitempty"`
	Reminders []int             `json:"reminders,omitempty"` // minutes before start
	Custom    map[string]string `json:"custom,omitempty"`
}

// Empty reports whether no metadata field is set.
func (m *Metadata) Empty() bool {
	if m == nil {
		return true
	}
	return m.Location == "" && len(m.Attendees) == 0 && m.Priority == "" &&
		m.Status == "" && m.Category == "" && m.URL == "" &&
		len(m.Reminders) == 0 && len(m.Custom) == 0
}

// Day returns the UTC midnight of the calendar day t falls on in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a "2006-01-02" date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// ValidClock reports whether s is empty or a valid "HH:MM" time of day.
func ValidClock(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.Parse(ClockLayout, s)
	return err == nil
}

// Validate checks the fields every peer relies on.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return ErrMissingID
	case e.CalendarID == "":
		return ErrMissingCalendar
	case strings.TrimSpace(e.Title) == "":
		return ErrMissingTitle
	case e.Date.IsZero():
		return ErrMissingDate
	}
	if !ValidClock(e.StartTime) {
		return fmt.Errorf("%w: start %q", ErrInvalidTime, e.StartTime)
	}
	if !ValidClock(e.EndTime) {
		return fmt.Errorf("%w: end %q", ErrInvalidTime, e.EndTime)
	}
	return nil
}

// Start returns the event's start instant in UTC. All-day events and events
// without a start time start at midnight of Date.
func (e Event) Start() time.Time {
	day := Day(e.Date)
	if e.AllDay || e.StartTime == "" {
		return day
	}
	t, err := time.Parse(ClockLayout, e.StartTime)
	if err != nil {
		return day
	}
	return day.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
}

// FilterByCalendar returns the events that belong to calendarID, in order.
func FilterByCalendar(events []Event, calendarID string) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.CalendarID == calendarID {
			out = append(out, ev)
		}
	}
	return out
}

// NormalizeName trims a display name and puts it in Unicode NFC so peers
// that typed the same name on different platforms agree byte-for-byte.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
