// Package events stores the raw sensor event stream and serves ordered
// reads for the episode builder and the rule engine.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// Store persists raw events. Events are append-only and deduplicated by id.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// QueryOptions narrows a window read. Limit <= 0 means no limit.
type QueryOptions struct {
	Category string
	Room     string
	Limit    int
}

// Ingest appends one event. A second event with the same id is a no-op and
// reports deduped=true; the stored payload is never overwritten.
func (s *Store) Ingest(ctx context.Context, ev *models.RawEvent) (deduped bool, err error) {
	if ev.ID == "" {
		return false, errors.BadInputf("events.ingest", "event id is required")
	}
	if !models.ValidCategory(ev.Category) {
		return false, errors.BadInputf("events.ingest", "unknown category %q", ev.Category)
	}
	if ev.Timestamp.IsZero() {
		return false, errors.BadTimef("events.ingest", "event timestamp is required")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, ts_us, category, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, storage.Micros(ev.Timestamp), ev.Category, storage.JSONText(ev.Payload, "{}"))
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return true, nil
	}
	if seq, err := res.LastInsertId(); err == nil {
		ev.Seq = seq
	}
	return false, nil
}

// Get returns one event by id.
func (s *Store) Get(ctx context.Context, id string) (*models.RawEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, ts_us, category, payload FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("events.get", id, "event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return ev, nil
}

// Query returns events with since <= timestamp < until, ordered by
// (timestamp, seq). Callers page by advancing since past the last timestamp
// they saw; equal-timestamp events keep their insert order via seq.
func (s *Store) Query(ctx context.Context, since, until time.Time, opts QueryOptions) ([]*models.RawEvent, error) {
	if !until.After(since) {
		return nil, nil
	}

	q := `SELECT seq, id, ts_us, category, payload FROM events WHERE ts_us >= ? AND ts_us < ?`
	args := []any{storage.Micros(since), storage.Micros(until)}
	if opts.Category != "" {
		q += ` AND category = ?`
		args = append(args, opts.Category)
	}
	q += ` ORDER BY ts_us ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*models.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		// Room lives inside the JSON payload, so the filter runs after the
		// scan and the limit counts matches only.
		if opts.Room != "" && ev.Payload.Room() != opts.Room {
			continue
		}
		out = append(out, ev)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

// ListOptions narrows a newest-first read. Zero times mean unbounded;
// Before is the pagination cursor (strictly earlier than).
type ListOptions struct {
	Category string
	Room     string
	Since    time.Time
	Until    time.Time
	Before   time.Time
	Limit    int
}

// List returns events newest first for ingress inspection. Callers page by
// passing the oldest timestamp of the previous page as Before.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*models.RawEvent, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	q := `SELECT seq, id, ts_us, category, payload FROM events WHERE 1=1`
	var args []any
	if opts.Category != "" {
		q += ` AND category = ?`
		args = append(args, opts.Category)
	}
	if !opts.Since.IsZero() {
		q += ` AND ts_us >= ?`
		args = append(args, storage.Micros(opts.Since))
	}
	if !opts.Until.IsZero() {
		q += ` AND ts_us < ?`
		args = append(args, storage.Micros(opts.Until))
	}
	if !opts.Before.IsZero() {
		q += ` AND ts_us < ?`
		args = append(args, storage.Micros(opts.Before))
	}
	q += ` ORDER BY ts_us DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := []*models.RawEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if opts.Room != "" && ev.Payload.Room() != opts.Room {
			continue
		}
		out = append(out, ev)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Recent returns the newest events first, for ingress inspection.
func (s *Store) Recent(ctx context.Context, limit int) ([]*models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, ts_us, category, payload FROM events
		 ORDER BY ts_us DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var out []*models.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count reports the total number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.RawEvent, error) {
	var (
		ev      models.RawEvent
		tsUS    int64
		payload string
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &tsUS, &ev.Category, &payload); err != nil {
		return nil, err
	}
	ev.Timestamp = storage.FromMicros(tsUS)
	ev.Payload = models.Payload{}
	storage.FromJSONText(payload, &ev.Payload)
	return &ev, nil
}
