package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/meshcal/internal/calendar"
)

const eventColumns = `id, calendar_id, title, date, start_time, end_time, all_day, meta`

// SaveEvent inserts or replaces an event by id.
func (s *Store) SaveEvent(ctx context.Context, ev calendar.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	meta, err := marshalMeta(ev.Meta)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			title       = excluded.title,
			date        = excluded.date,
			start_time  = excluded.start_time,
			end_time    = excluded.end_time,
			all_day     = excluded.all_day,
			meta        = excluded.meta
	`,
		ev.ID,
		ev.CalendarID,
		ev.Title,
		ev.Date.UTC().Format(calendar.DayLayout),
		ev.StartTime,
		ev.EndTime,
		boolInt(ev.AllDay),
		meta,
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// GetEvent returns the event with id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (calendar.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev, err
}

// DeleteEvent removes an event. Deleting a missing event is not an error.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// DeleteEventIn removes event id only while it still belongs to calendarID.
// An event that has since moved to another calendar is left alone.
func (s *Store) DeleteEventIn(ctx context.Context, calendarID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND calendar_id = ?`, id, calendarID); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// LoadEvents returns every event.
func (s *Store) LoadEvents(ctx context.Context) ([]calendar.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		ORDER BY date ASC, start_time ASC, id ASC COLLATE BINARY
	`)
}

// EventsByCalendar returns the events of one calendar.
func (s *Store) EventsByCalendar(ctx context.Context, calendarID string) ([]calendar.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ?
		ORDER BY date ASC, start_time ASC, id ASC COLLATE BINARY
	`, calendarID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]calendar.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []calendar.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (calendar.Event, error) {
	var (
		ev     calendar.Event
		day    string
		allDay int
		meta   sql.NullString
	)
	if err := sc.Scan(&ev.ID, &ev.CalendarID, &ev.Title, &day, &ev.StartTime, &ev.EndTime, &allDay, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calendar.Event{}, err
		}
		return calendar.Event{}, fmt.Errorf("scan event: %w", err)
	}
	date, err := calendar.ParseDay(day)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.Date = date
	ev.AllDay = allDay != 0
	if ev.Meta, err = unmarshalMeta(meta); err != nil {
		return calendar.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	return ev, nil
}
