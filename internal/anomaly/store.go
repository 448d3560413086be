package anomaly

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// Store persists anomaly episodes. At most one episode per room is open
// (end_us NULL) at any time.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListOptions narrows List. Zero values mean no filter.
type ListOptions struct {
	Room       string
	Since      time.Time
	ActiveOnly bool
	MinLevel   models.AnomalyLevel
	Limit      int
}

const selectAnomalyEpisode = `SELECT id, room, start_us, end_us, level,
	score_total, score_intensity, score_sequence, score_event,
	start_bucket_us, last_bucket_us, peak_bucket_us,
	peak_score, last_score, last_level, bucket_count, green_streak,
	closed_us, closed_reason, reasons_peak, reasons_last, details,
	human_weight_mode, pet_weight, baseline_ref, created_us, updated_us
	FROM anomaly_episodes`

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Active returns the open episode for a room, or nil when the room is quiet.
func (s *Store) Active(ctx context.Context, room string) (*models.AnomalyEpisode, error) {
	return activeEpisode(ctx, s.db, room)
}

// Get returns one episode by id.
func (s *Store) Get(ctx context.Context, id int64) (*models.AnomalyEpisode, error) {
	row := s.db.QueryRowContext(ctx, selectAnomalyEpisode+` WHERE id = ?`, id)
	ep, err := scanAnomalyEpisode(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("anomaly.get", fmt.Sprintf("%d", id), "anomaly episode not found")
	}
	if err != nil {
		return nil, errors.Internalf("anomaly.get", err)
	}
	return ep, nil
}

// List returns episodes newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*models.AnomalyEpisode, error) {
	query := selectAnomalyEpisode + ` WHERE 1=1`
	args := []any{}
	if opts.Room != "" {
		query += ` AND room = ?`
		args = append(args, opts.Room)
	}
	if !opts.Since.IsZero() {
		query += ` AND start_us >= ?`
		args = append(args, storage.Micros(opts.Since))
	}
	if opts.ActiveOnly {
		query += ` AND end_us IS NULL`
	}
	if opts.MinLevel > models.LevelGreen {
		query += ` AND level >= ?`
		args = append(args, int(opts.MinLevel))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY start_us DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internalf("anomaly.list", err)
	}
	defer rows.Close()

	var out []*models.AnomalyEpisode
	for rows.Next() {
		ep, err := scanAnomalyEpisode(rows)
		if err != nil {
			return nil, errors.Internalf("anomaly.list", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internalf("anomaly.list", err)
	}
	return out, nil
}

// CountSince counts episodes at or above a level whose start falls in
// [since, now). Used by the weekly report.
func (s *Store) CountSince(ctx context.Context, since time.Time, minLevel models.AnomalyLevel) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomaly_episodes WHERE start_us >= ? AND level >= ?`,
		storage.Micros(since), int(minLevel)).Scan(&n)
	if err != nil {
		return 0, errors.Internalf("anomaly.count", err)
	}
	return n, nil
}

func activeEpisode(ctx context.Context, q dbtx, room string) (*models.AnomalyEpisode, error) {
	row := q.QueryRowContext(ctx, selectAnomalyEpisode+` WHERE room = ? AND end_us IS NULL`, room)
	ep, err := scanAnomalyEpisode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Internalf("anomaly.active", err)
	}
	return ep, nil
}

func insertEpisode(ctx context.Context, q dbtx, ep *models.AnomalyEpisode) error {
	res, err := q.ExecContext(ctx, `INSERT INTO anomaly_episodes (
		room, start_us, end_us, level,
		score_total, score_intensity, score_sequence, score_event,
		start_bucket_us, last_bucket_us, peak_bucket_us,
		peak_score, last_score, last_level, bucket_count, green_streak,
		closed_us, closed_reason, reasons_peak, reasons_last, details,
		human_weight_mode, pet_weight, baseline_ref, created_us, updated_us
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.Room, storage.Micros(ep.StartTS), storage.MicrosPtr(ep.EndTS), int(ep.Level),
		ep.ScoreTotal, ep.ScoreIntensity, ep.ScoreSequence, ep.ScoreEvent,
		storage.Micros(ep.StartBucket), storage.Micros(ep.LastBucket), storage.Micros(ep.PeakBucket),
		ep.PeakScore, ep.LastScore, int(ep.LastLevel), ep.BucketCount, ep.GreenStreak,
		storage.MicrosPtr(ep.ClosedAt), storage.NullStr(ep.ClosedReason),
		storage.JSONText(ep.ReasonsPeak, "[]"), storage.JSONText(ep.ReasonsLast, "[]"),
		detailsText(ep.Details),
		ep.HumanWeightMode, ep.PetWeight, storage.JSONText(ep.BaselineRef, "{}"),
		storage.Micros(ep.CreatedAt), storage.Micros(ep.UpdatedAt))
	if err != nil {
		return errors.Internalf("anomaly.insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Internalf("anomaly.insert", err)
	}
	ep.ID = id
	return nil
}

func updateEpisode(ctx context.Context, q dbtx, ep *models.AnomalyEpisode) error {
	_, err := q.ExecContext(ctx, `UPDATE anomaly_episodes SET
		end_us = ?, level = ?,
		score_total = ?, score_intensity = ?, score_sequence = ?, score_event = ?,
		last_bucket_us = ?, peak_bucket_us = ?,
		peak_score = ?, last_score = ?, last_level = ?, bucket_count = ?, green_streak = ?,
		closed_us = ?, closed_reason = ?, reasons_peak = ?, reasons_last = ?, details = ?,
		updated_us = ?
		WHERE id = ?`,
		storage.MicrosPtr(ep.EndTS), int(ep.Level),
		ep.ScoreTotal, ep.ScoreIntensity, ep.ScoreSequence, ep.ScoreEvent,
		storage.Micros(ep.LastBucket), storage.Micros(ep.PeakBucket),
		ep.PeakScore, ep.LastScore, int(ep.LastLevel), ep.BucketCount, ep.GreenStreak,
		storage.MicrosPtr(ep.ClosedAt), storage.NullStr(ep.ClosedReason),
		storage.JSONText(ep.ReasonsPeak, "[]"), storage.JSONText(ep.ReasonsLast, "[]"),
		detailsText(ep.Details),
		storage.Micros(ep.UpdatedAt),
		ep.ID)
	if err != nil {
		return errors.Internalf("anomaly.update", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomalyEpisode(row rowScanner) (*models.AnomalyEpisode, error) {
	var (
		ep           models.AnomalyEpisode
		startUS      int64
		endUS        sql.NullInt64
		level        int
		startBucket  int64
		lastBucket   int64
		peakBucket   int64
		lastLevel    int
		closedUS     sql.NullInt64
		closedReason sql.NullString
		reasonsPeak  string
		reasonsLast  string
		details      sql.NullString
		baselineRef  sql.NullString
		createdUS    int64
		updatedUS    int64
	)
	err := row.Scan(&ep.ID, &ep.Room, &startUS, &endUS, &level,
		&ep.ScoreTotal, &ep.ScoreIntensity, &ep.ScoreSequence, &ep.ScoreEvent,
		&startBucket, &lastBucket, &peakBucket,
		&ep.PeakScore, &ep.LastScore, &lastLevel, &ep.BucketCount, &ep.GreenStreak,
		&closedUS, &closedReason, &reasonsPeak, &reasonsLast, &details,
		&ep.HumanWeightMode, &ep.PetWeight, &baselineRef, &createdUS, &updatedUS)
	if err != nil {
		return nil, err
	}

	ep.StartTS = storage.FromMicros(startUS)
	ep.EndTS = storage.FromMicrosPtr(endUS)
	ep.Level = models.AnomalyLevel(level)
	ep.StartBucket = storage.FromMicros(startBucket)
	ep.LastBucket = storage.FromMicros(lastBucket)
	ep.PeakBucket = storage.FromMicros(peakBucket)
	ep.LastLevel = models.AnomalyLevel(lastLevel)
	ep.ClosedAt = storage.FromMicrosPtr(closedUS)
	if closedReason.Valid {
		ep.ClosedReason = closedReason.String
	}
	ep.ReasonsPeak = []models.ScoreReason{}
	ep.ReasonsLast = []models.ScoreReason{}
	storage.FromJSONText(reasonsPeak, &ep.ReasonsPeak)
	storage.FromJSONText(reasonsLast, &ep.ReasonsLast)
	if details.Valid && details.String != "" {
		var d models.BucketDetails
		storage.FromJSONText(details.String, &d)
		ep.Details = &d
	}
	if baselineRef.Valid && baselineRef.String != "" {
		storage.FromJSONText(baselineRef.String, &ep.BaselineRef)
	}
	ep.CreatedAt = storage.FromMicros(createdUS)
	ep.UpdatedAt = storage.FromMicros(updatedUS)
	return &ep, nil
}

func detailsText(d *models.BucketDetails) any {
	if d == nil {
		return nil
	}
	return storage.JSONText(d, "{}")
}
