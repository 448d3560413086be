// Package deviations persists rule findings with an OPEN/ACK/CLOSED
// lifecycle, deduplicated per (rule, subject).
package deviations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// DefaultSubjectKey groups deviations when no subject is configured.
const DefaultSubjectKey = "default"

// Key builds the dedupe key a record is upserted by.
func Key(ruleID, subjectKey string) string {
	return ruleID + ":" + subjectKey
}

// Store reads and writes persisted deviation records.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PersistResult counts the row transitions of one upsert pass. A reopened
// row counts in both Reopened and Updated.
type PersistResult struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Reopened int `json:"reopened"`
}

const selectDeviation = `
SELECT deviation_id, deviation_key, rule_id, subject_key, status, severity,
       title, explanation, evidence, window_since_us, window_until_us,
       first_seen_us, last_seen_us, closed_us, created_us, updated_us
FROM deviations_v1`

// Persist upserts one evaluation pass worth of computed deviations for a
// subject. First sightings insert OPEN rows; re-sightings refresh the content
// fields and last_seen_at, keeping ACK and the original deviation id; CLOSED
// rows reopen. monitorMode applies to every deviation in the call and, when
// TEST, is folded into the stored evidence document. The returned key set
// tells the caller which records were seen so the rest can be swept.
func (s *Store) Persist(ctx context.Context, subjectKey string, devs []models.Deviation, monitorMode string, now time.Time) (PersistResult, map[string]struct{}, error) {
	var res PersistResult
	seen := make(map[string]struct{}, len(devs))
	if len(devs) == 0 {
		return res, seen, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, nil, fmt.Errorf("failed to begin deviation upsert: %w", err)
	}
	defer tx.Rollback()

	nowUS := storage.Micros(now)
	for i := range devs {
		d := &devs[i]
		key := Key(d.RuleID, subjectKey)
		seen[key] = struct{}{}
		evidence := encodeEvidence(d.Evidence, monitorMode)

		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM deviations_v1 WHERE deviation_key = ?`, key).Scan(&status)
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO deviations_v1 (deviation_id, deviation_key, rule_id, subject_key,
				    status, severity, title, explanation, evidence,
				    window_since_us, window_until_us,
				    first_seen_us, last_seen_us, created_us, updated_us)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.DeviationID, key, d.RuleID, subjectKey,
				models.DeviationOpen, d.Severity, d.Title, d.Explanation, evidence,
				storage.Micros(d.Window.Since), storage.Micros(d.Window.Until),
				nowUS, nowUS, nowUS, nowUS)
			if err != nil {
				return PersistResult{}, nil, fmt.Errorf("failed to insert deviation %s: %w", key, err)
			}
			res.Created++
			continue
		}
		if err != nil {
			return PersistResult{}, nil, fmt.Errorf("failed to load deviation %s: %w", key, err)
		}

		if status == models.DeviationClosed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE deviations_v1 SET status = ?, closed_us = NULL WHERE deviation_key = ?`,
				models.DeviationOpen, key); err != nil {
				return PersistResult{}, nil, fmt.Errorf("failed to reopen deviation %s: %w", key, err)
			}
			res.Reopened++
		}

		// Content refresh keeps ACK as ACK and never touches first_seen_at.
		if _, err := tx.ExecContext(ctx,
			`UPDATE deviations_v1
			 SET severity = ?, title = ?, explanation = ?, evidence = ?,
			     window_since_us = ?, window_until_us = ?, last_seen_us = ?, updated_us = ?
			 WHERE deviation_key = ?`,
			d.Severity, d.Title, d.Explanation, evidence,
			storage.Micros(d.Window.Since), storage.Micros(d.Window.Until),
			nowUS, nowUS, key); err != nil {
			return PersistResult{}, nil, fmt.Errorf("failed to update deviation %s: %w", key, err)
		}
		res.Updated++
	}

	if err := tx.Commit(); err != nil {
		return PersistResult{}, nil, fmt.Errorf("failed to commit deviation upsert: %w", err)
	}
	return res, seen, nil
}

// CloseStale closes OPEN/ACK rows of the given rules whose last sighting is
// older than expireAfter and whose key is not in the seen set of the current
// run. Returns the number of rows closed.
func (s *Store) CloseStale(ctx context.Context, subjectKey string, ruleIDs []string, seen map[string]struct{}, expireAfter time.Duration, now time.Time) (int, error) {
	if len(ruleIDs) == 0 {
		return 0, nil
	}

	nowUS := storage.Micros(now)
	q := `UPDATE deviations_v1
	      SET status = ?, closed_us = ?, updated_us = ?
	      WHERE subject_key = ? AND status IN (?, ?) AND last_seen_us < ?
	        AND rule_id IN (` + placeholders(len(ruleIDs)) + `)`
	args := []any{models.DeviationClosed, nowUS, nowUS,
		subjectKey, models.DeviationOpen, models.DeviationAck,
		storage.Micros(now.Add(-expireAfter))}
	for _, id := range ruleIDs {
		args = append(args, id)
	}
	if len(seen) > 0 {
		q += ` AND deviation_key NOT IN (` + placeholders(len(seen)) + `)`
		for key := range seen {
			args = append(args, key)
		}
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale deviations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}
	return int(n), nil
}

// Get returns one record by its deviation id.
func (s *Store) Get(ctx context.Context, deviationID string) (*models.DeviationRecord, error) {
	row := s.db.QueryRowContext(ctx, selectDeviation+` WHERE deviation_id = ?`, deviationID)
	rec, err := scanDeviation(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("deviations.get", deviationID, "deviation %s not found", deviationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deviation: %w", err)
	}
	return rec, nil
}

// ListOptions filters List. Zero values mean no filter; Limit <= 0 uses the
// default page size.
type ListOptions struct {
	Status     string
	SubjectKey string
	Limit      int
}

// List returns records newest sighting first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*models.DeviationRecord, error) {
	q := selectDeviation + ` WHERE 1=1`
	var args []any
	if opts.Status != "" {
		q += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.SubjectKey != "" {
		q += ` AND subject_key = ?`
		args = append(args, opts.SubjectKey)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY last_seen_us DESC, deviation_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deviations: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviationRecord
	for rows.Next() {
		rec, err := scanDeviation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deviation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetStatus moves one record to the given status. CLOSED stamps closed_at;
// the other statuses clear it.
func (s *Store) SetStatus(ctx context.Context, deviationID, status string, now time.Time) (*models.DeviationRecord, error) {
	const op = "deviations.set_status"
	if !models.ValidDeviationStatus(status) {
		return nil, errors.BadInputf(op, "invalid deviation status %q", status)
	}

	nowUS := storage.Micros(now)
	closed := any(nil)
	if status == models.DeviationClosed {
		closed = nowUS
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deviations_v1 SET status = ?, closed_us = ?, updated_us = ? WHERE deviation_id = ?`,
		status, closed, nowUS, deviationID)
	if err != nil {
		return nil, fmt.Errorf("failed to update deviation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read status update result: %w", err)
	}
	if n == 0 {
		return nil, errors.NotFoundf(op, deviationID, "deviation %s not found", deviationID)
	}
	return s.Get(ctx, deviationID)
}

// CountByStatus reports row counts per lifecycle status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deviations_v1 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deviations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan deviation count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviation(row rowScanner) (*models.DeviationRecord, error) {
	var (
		rec                  models.DeviationRecord
		evidence             string
		winSince, winUntil   sql.NullInt64
		closedUS             sql.NullInt64
		firstUS, lastUS      int64
		createdUS, updatedUS int64
	)
	if err := row.Scan(&rec.DeviationID, &rec.DeviationKey, &rec.RuleID, &rec.SubjectKey,
		&rec.Status, &rec.Severity, &rec.Title, &rec.Explanation, &evidence,
		&winSince, &winUntil, &firstUS, &lastUS, &closedUS, &createdUS, &updatedUS); err != nil {
		return nil, err
	}
	rec.Evidence, rec.MonitorMode = decodeEvidence(evidence)
	if winSince.Valid {
		rec.Window.Since = storage.FromMicros(winSince.Int64)
	}
	if winUntil.Valid {
		rec.Window.Until = storage.FromMicros(winUntil.Int64)
	}
	rec.FirstSeenAt = storage.FromMicros(firstUS)
	rec.LastSeenAt = storage.FromMicros(lastUS)
	rec.ClosedAt = storage.FromMicrosPtr(closedUS)
	rec.CreatedAt = storage.FromMicros(createdUS)
	rec.UpdatedAt = storage.FromMicros(updatedUS)
	return &rec, nil
}
