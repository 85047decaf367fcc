// Package ics converts calendar events to and from iCalendar (RFC 5545).
//
// Timed events are written in UTC, which is how meshcal interprets
// StartTime and EndTime. All-day events use DATE values with an exclusive
// DTEND on the following day.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/roach88/meshcal/internal/calendar"
)

// ProductID is written as PRODID on export.
const ProductID = "-//meshcal//meshcal//EN"

const (
	propReminders ical.ComponentProperty = "X-MESHCAL-REMINDERS"
	dateLayout                           = "20060102"
)

// ErrEmpty is returned by Import for an empty body.
var ErrEmpty = errors.New("empty ics body")

// Export writes cal and its events as a VCALENDAR. stamp becomes every
// event's DTSTAMP so output is reproducible.
func Export(w io.Writer, cal calendar.Calendar, events []calendar.Event, stamp time.Time) error {
	out := ical.NewCalendar()
	out.SetMethod(ical.MethodPublish)
	out.SetProductId(ProductID)
	if cal.Name != "" {
		out.SetXWRCalName(cal.Name)
	}
	if cal.Description != "" {
		out.SetXWRCalDesc(cal.Description)
	}

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("export %s: %w", ev.ID, err)
		}
		addEvent(out, ev, stamp.UTC())
	}

	if _, err := io.WriteString(w, out.Serialize()); err != nil {
		return fmt.Errorf("write ics: %w", err)
	}
	return nil
}

func addEvent(out *ical.Calendar, ev calendar.Event, stamp time.Time) {
	ve := out.AddEvent(ev.ID)
	ve.SetDtStampTime(stamp)
	ve.SetSummary(ev.Title)

	day := calendar.Day(ev.Date)
	if ev.AllDay {
		ve.SetAllDayStartAt(day)
		ve.SetAllDayEndAt(day.AddDate(0, 0, 1))
	} else {
		start := ev.Start()
		ve.SetStartAt(start)
		if end, ok := endOf(ev); ok {
			if end.Before(start) {
				end = end.AddDate(0, 0, 1)
			}
			ve.SetEndAt(end)
		}
	}

	m := ev.Meta
	if m.Empty() {
		return
	}
	if m.Location != "" {
		ve.SetLocation(m.Location)
	}
	if m.URL != "" {
		ve.SetProperty(ical.ComponentPropertyUrl, m.URL)
	}
	if m.Status != "" {
		ve.SetProperty(ical.ComponentPropertyStatus, strings.ToUpper(m.Status))
	}
	if m.Category != "" {
		ve.SetProperty(ical.ComponentPropertyCategories, m.Category)
	}
	if m.Priority != "" {
		ve.SetProperty(ical.ComponentPropertyPriority, m.Priority)
	}
	for _, a := range m.Attendees {
		ve.AddAttendee(a)
	}
	if len(m.Reminders) > 0 {
		parts := make([]string, len(m.Reminders))
		for i, r := range m.Reminders {
			parts[i] = strconv.Itoa(r)
		}
		ve.SetProperty(propReminders, strings.Join(parts, ","))
	}
}

func endOf(ev calendar.Event) (time.Time, bool) {
	if ev.EndTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(calendar.ClockLayout, ev.EndTime)
	if err != nil {
		return time.Time{}, false
	}
	return calendar.Day(ev.Date).Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute), true
}

// Import parses VEVENTs from r into events of calendarID. Events that
// cannot be converted are logged and skipped.
func Import(r io.Reader, calendarID string, logger *slog.Logger) ([]calendar.Event, error) {
	if logger == nil {
		logger = slog.Default()
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ics: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmpty
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	events := make([]calendar.Event, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev, err := convert(ve, calendarID)
		if err != nil {
			logger.Warn("skipping vevent", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func convert(ve *ical.VEvent, calendarID string) (calendar.Event, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return calendar.Event{}, errors.New("missing UID")
	}
	ev := calendar.Event{
		ID:         uid,
		CalendarID: calendarID,
		Title:      propValue(ve, ical.ComponentPropertySummary),
	}
	if strings.TrimSpace(ev.Title) == "" {
		ev.Title = "(untitled)"
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return calendar.Event{}, fmt.Errorf("%s: missing DTSTART", uid)
	}
	if isDate(dtStart) {
		day, err := time.Parse(dateLayout, dtStart.Value[:min(len(dtStart.Value), len(dateLayout))])
		if err != nil {
			return calendar.Event{}, fmt.Errorf("%s: DTSTART: %w", uid, err)
		}
		ev.Date = day
		ev.AllDay = true
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return calendar.Event{}, fmt.Errorf("%s: DTSTART: %w", uid, err)
		}
		start = start.UTC()
		ev.Date = calendar.Day(start)
		ev.StartTime = start.Format(calendar.ClockLayout)
		if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
			if end, err := ve.GetEndAt(); err == nil {
				ev.EndTime = end.UTC().Format(calendar.ClockLayout)
			}
		}
	}

	meta := &calendar.Metadata{
		Location: propValue(ve, ical.ComponentPropertyLocation),
		URL:      propValue(ve, ical.ComponentPropertyUrl),
		Status:   strings.ToLower(propValue(ve, ical.ComponentPropertyStatus)),
		Category: propValue(ve, ical.ComponentPropertyCategories),
		Priority: propValue(ve, ical.ComponentPropertyPriority),
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		addr := p.Value
		if len(addr) >= 7 && strings.EqualFold(addr[:7], "mailto:") {
			addr = addr[7:]
		}
		if addr != "" {
			meta.Attendees = append(meta.Attendees, addr)
		}
	}
	if raw := propValue(ve, propReminders); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				meta.Reminders = append(meta.Reminders, n)
			}
		}
	}
	if !meta.Empty() {
		ev.Meta = meta
	}

	if err := ev.Validate(); err != nil {
		return calendar.Event{}, fmt.Errorf("%s: %w", uid, err)
	}
	return ev, nil
}

// isDate reports whether a DTSTART carries a DATE rather than DATE-TIME.
func isDate(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}
