package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/meshcal/internal/calendar"
)

// marshalMeta converts event metadata to JSON TEXT; nil or empty metadata
// is stored as NULL.
func marshalMeta(m *calendar.Metadata) (sql.NullString, error) {
	if m == nil || m.Empty() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal meta: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalMeta parses JSON TEXT back into metadata.
func unmarshalMeta(s sql.NullString) (*calendar.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m calendar.Metadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
