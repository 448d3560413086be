package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// Micros converts an instant to its stored integer form.
func Micros(t time.Time) int64 { return timeutil.UnixMicros(t) }

// MicrosPtr converts an optional instant, nil staying NULL.
func MicrosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeutil.UnixMicros(*t)
}

// FromMicros converts a stored integer back to a UTC instant.
func FromMicros(us int64) time.Time { return timeutil.FromUnixMicros(us) }

// FromMicrosPtr converts a nullable column back to an optional instant.
func FromMicrosPtr(us sql.NullInt64) *time.Time {
	if !us.Valid {
		return nil
	}
	t := timeutil.FromUnixMicros(us.Int64)
	return &t
}

// JSONText marshals v for a TEXT column. Marshal failures are logged and
// stored as the given fallback so a bad payload never blocks a write.
func JSONText(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode JSON column")
		return fallback
	}
	return string(data)
}

// FromJSONText unmarshals a TEXT column into out, tolerating empty cells.
func FromJSONText(data string, out any) {
	if data == "" {
		return
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		log.Warn().Err(err).Str("data", truncate(data, 120)).Msg("failed to decode JSON column")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NullStr maps empty strings to NULL on write.
func NullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// StrPtr maps a nullable column to an optional string.
func StrPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
