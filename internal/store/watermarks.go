package store

import (
	"context"
	"fmt"
)

// LoadWatermarks returns every persisted calendar watermark.
func (s *Store) LoadWatermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT calendar_id, watermark FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id string
			ts int64
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// SaveWatermark records ts for calendarID. A lower value never replaces a
// higher one.
func (s *Store) SaveWatermark(ctx context.Context, calendarID string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (calendar_id, watermark) VALUES (?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET watermark = MAX(watermark, excluded.watermark)
	`, calendarID, ts)
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// ClearWatermark forgets calendarID's watermark.
func (s *Store) ClearWatermark(ctx context.Context, calendarID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE calendar_id = ?`, calendarID); err != nil {
		return fmt.Errorf("clear watermark: %w", err)
	}
	return nil
}
