package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/meshcal/internal/calendar"
)

const calendarColumns = `id, name, description, color, private, share_key, shared, joined, created_at`

// SaveCalendar inserts or replaces a calendar by id.
func (s *Store) SaveCalendar(ctx context.Context, c calendar.Calendar) error {
	if c.ID == "" {
		return fmt.Errorf("save calendar: %w", calendar.ErrMissingID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendars (`+calendarColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			description = excluded.description,
			color       = excluded.color,
			private     = excluded.private,
			share_key   = excluded.share_key,
			shared      = excluded.shared,
			joined      = excluded.joined
	`,
		c.ID,
		calendar.NormalizeName(c.Name),
		c.Description,
		c.Color,
		boolInt(c.Private),
		c.ShareKey,
		boolInt(c.Shared),
		boolInt(c.Joined),
		c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save calendar: %w", err)
	}
	return nil
}

// GetCalendar returns the calendar with id, or ErrNotFound.
func (s *Store) GetCalendar(ctx context.Context, id string) (calendar.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Calendar{}, fmt.Errorf("calendar %s: %w", id, ErrNotFound)
	}
	return c, err
}

// LoadCalendars returns every calendar ordered by name.
func (s *Store) LoadCalendars(ctx context.Context) ([]calendar.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+calendarColumns+` FROM calendars
		ORDER BY name ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("query calendars: %w", err)
	}
	defer rows.Close()

	cals := []calendar.Calendar{}
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		cals = append(cals, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calendars: %w", err)
	}
	return cals, nil
}

// DeleteCalendar removes a calendar together with its events and watermark.
func (s *Store) DeleteCalendar(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE calendar_id = ?`,
		`DELETE FROM sync_state WHERE calendar_id = ?`,
		`DELETE FROM calendars WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete calendar: %w", err)
		}
	}
	return tx.Commit()
}

func scanCalendar(sc scanner) (calendar.Calendar, error) {
	var (
		c                       calendar.Calendar
		private, shared, joined int
		createdAt       int64
	)
	if err := sc.Scan(&c.ID, &c.Name, &c.Description, &c.Color, &private, &c.ShareKey, &shared, &joined, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calendar.Calendar{}, err
		}
		return calendar.Calendar{}, fmt.Errorf("scan calendar: %w", err)
	}
	c.Private = private != 0
	c.Shared = shared != 0
	c.Joined = joined != 0
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return c, nil
}
