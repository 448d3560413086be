package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// StatusStore persists the last outcome of every job. One row per job key;
// a success keeps the previous error instant around and vice versa, so the
// row always shows both the last good and the last bad run.
type StatusStore struct {
	db *sql.DB
}

func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Upsert records one finished run. On success the error message is cleared
// but last_error_us survives; on failure the payload is reset and
// last_ok_us survives.
func (s *StatusStore) Upsert(ctx context.Context, jobKey string, ok bool, now time.Time, payload any, errMsg string) error {
	var (
		okUS    any
		errUS   any
		msg     any
		encoded = "{}"
	)
	if ok {
		okUS = storage.Micros(now)
		encoded = storage.JSONText(payload, "{}")
	} else {
		errUS = storage.Micros(now)
		if errMsg == "" {
			errMsg = "unknown error"
		}
		msg = errMsg
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_status (job_key, last_run_us, last_ok_us, last_error_us, last_error_msg, last_payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_key) DO UPDATE SET
		   last_run_us = excluded.last_run_us,
		   last_ok_us = COALESCE(excluded.last_ok_us, job_status.last_ok_us),
		   last_error_us = COALESCE(excluded.last_error_us, job_status.last_error_us),
		   last_error_msg = excluded.last_error_msg,
		   last_payload = excluded.last_payload`,
		jobKey, storage.Micros(now), okUS, errUS, msg, encoded)
	if err != nil {
		return fmt.Errorf("failed to upsert job status: %w", err)
	}
	return nil
}

// List returns every recorded job row, ordered by key.
func (s *StatusStore) List(ctx context.Context) ([]*models.JobStatusRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_key, last_run_us, last_ok_us, last_error_us, last_error_msg, last_payload
		 FROM job_status ORDER BY job_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job status: %w", err)
	}
	defer rows.Close()

	out := []*models.JobStatusRow{}
	for rows.Next() {
		var (
			row     models.JobStatusRow
			runUS   int64
			okUS    sql.NullInt64
			errUS   sql.NullInt64
			msg     sql.NullString
			payload string
		)
		if err := rows.Scan(&row.JobKey, &runUS, &okUS, &errUS, &msg, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan job status: %w", err)
		}
		row.LastRunAt = storage.FromMicros(runUS)
		row.LastOkAt = storage.FromMicrosPtr(okUS)
		row.LastErrorAt = storage.FromMicrosPtr(errUS)
		row.LastErrorMsg = msg.String
		row.LastPayload = map[string]any{}
		storage.FromJSONText(payload, &row.LastPayload)
		out = append(out, &row)
	}
	return out, rows.Err()
}
