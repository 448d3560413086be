package episodes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// Store persists finished episodes. Rebuilds over overlapping windows
// converge because rows are keyed by (room, start): a re-segmented episode
// with the same start replaces its earlier, possibly shorter version.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListOptions narrows an episode read.
type ListOptions struct {
	Room  string
	Class string
	Since time.Time
	Until time.Time
	Limit int
}

// UpsertResult summarizes one batch write.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Upsert writes a batch of finished episodes in one transaction. Episodes
// without an id get one assigned; an existing (room, start) row keeps its id
// and has its content refreshed.
func (s *Store) Upsert(ctx context.Context, eps []*models.Episode) (UpsertResult, error) {
	var res UpsertResult
	if len(eps) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := storage.Micros(time.Now().UTC())
	for _, ep := range eps {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT episode_id FROM episodes WHERE room = ? AND start_us = ?`,
			ep.Room, storage.Micros(ep.StartTS)).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			if ep.EpisodeID == "" {
				ep.EpisodeID = ulid.Make().String()
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO episodes (
					episode_id, room, start_us, end_us, duration_s,
					primary_sensor, sensor_set,
					event_count_total, event_count_motion, event_count_presence_on, event_count_presence_off,
					event_rate_per_min, close_reason, timeout_s, quality, quality_flags,
					door_before_s, door_during, door_after_s,
					tod_bucket, weekday,
					class, p_human, p_pet, p_unknown,
					reasons, reason_summary, classifier_version, score_debug,
					first_event_id, last_event_id, created_us
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ep.EpisodeID, ep.Room, storage.Micros(ep.StartTS), storage.Micros(ep.EndTS), ep.DurationS,
				ep.PrimarySensor, storage.JSONText(ep.SensorSet, "[]"),
				ep.Total, ep.Motion, ep.PresenceOn, ep.PresenceOff,
				ep.EventRatePerMin, ep.CloseReason, ep.TimeoutS, ep.Quality, storage.JSONText(ep.QualityFlags, "[]"),
				ep.DoorBeforeS, boolInt(ep.DoorDuring), ep.DoorAfterS,
				ep.TodBucket, ep.Weekday,
				ep.Class, ep.PHuman, ep.PPet, ep.PUnknown,
				storage.JSONText(ep.Reasons, "[]"), ep.ReasonSummary, ep.ClassifierVersion, storage.JSONText(ep.ScoreDebug, "{}"),
				storage.NullStr(ep.FirstEventID), storage.NullStr(ep.LastEventID), now,
			); err != nil {
				return res, fmt.Errorf("failed to insert episode: %w", err)
			}
			res.Inserted++
		case err != nil:
			return res, fmt.Errorf("failed to look up episode: %w", err)
		default:
			ep.EpisodeID = existingID
			if _, err := tx.ExecContext(ctx, `UPDATE episodes SET
					end_us = ?, duration_s = ?, primary_sensor = ?, sensor_set = ?,
					event_count_total = ?, event_count_motion = ?, event_count_presence_on = ?, event_count_presence_off = ?,
					event_rate_per_min = ?, close_reason = ?, timeout_s = ?, quality = ?, quality_flags = ?,
					door_before_s = ?, door_during = ?, door_after_s = ?,
					tod_bucket = ?, weekday = ?,
					class = ?, p_human = ?, p_pet = ?, p_unknown = ?,
					reasons = ?, reason_summary = ?, classifier_version = ?, score_debug = ?,
					first_event_id = ?, last_event_id = ?
				WHERE episode_id = ?`,
				storage.Micros(ep.EndTS), ep.DurationS, ep.PrimarySensor, storage.JSONText(ep.SensorSet, "[]"),
				ep.Total, ep.Motion, ep.PresenceOn, ep.PresenceOff,
				ep.EventRatePerMin, ep.CloseReason, ep.TimeoutS, ep.Quality, storage.JSONText(ep.QualityFlags, "[]"),
				ep.DoorBeforeS, boolInt(ep.DoorDuring), ep.DoorAfterS,
				ep.TodBucket, ep.Weekday,
				ep.Class, ep.PHuman, ep.PPet, ep.PUnknown,
				storage.JSONText(ep.Reasons, "[]"), ep.ReasonSummary, ep.ClassifierVersion, storage.JSONText(ep.ScoreDebug, "{}"),
				storage.NullStr(ep.FirstEventID), storage.NullStr(ep.LastEventID),
				existingID,
			); err != nil {
				return res, fmt.Errorf("failed to update episode: %w", err)
			}
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit episodes: %w", err)
	}
	return res, nil
}

// Overlapping returns episodes for a room whose [start, end) intersects
// [since, until), ordered by start.
func (s *Store) Overlapping(ctx context.Context, room string, since, until time.Time) ([]*models.Episode, error) {
	rows, err := s.db.QueryContext(ctx, selectEpisode+
		` WHERE room = ? AND start_us < ? AND end_us > ? ORDER BY start_us ASC`,
		room, storage.Micros(until), storage.Micros(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// PrevRoom returns the room of the most recent episode that ended at or
// before the given instant, across all rooms. Empty when there is none.
func (s *Store) PrevRoom(ctx context.Context, before time.Time) (string, error) {
	var room string
	err := s.db.QueryRowContext(ctx,
		`SELECT room FROM episodes WHERE end_us <= ? ORDER BY end_us DESC, start_us DESC LIMIT 1`,
		storage.Micros(before)).Scan(&room)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query previous room: %w", err)
	}
	return room, nil
}

// List returns episodes newest-first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*models.Episode, error) {
	q := selectEpisode + ` WHERE 1=1`
	var args []any
	if opts.Room != "" {
		q += ` AND room = ?`
		args = append(args, opts.Room)
	}
	if opts.Class != "" {
		q += ` AND class = ?`
		args = append(args, opts.Class)
	}
	if !opts.Since.IsZero() {
		q += ` AND start_us >= ?`
		args = append(args, storage.Micros(opts.Since))
	}
	if !opts.Until.IsZero() {
		q += ` AND start_us < ?`
		args = append(args, storage.Micros(opts.Until))
	}
	q += ` ORDER BY start_us DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// CountByClassSince aggregates episode counts per class for reporting.
func (s *Store) CountByClassSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT class, COUNT(*) FROM episodes WHERE start_us >= ? GROUP BY class`,
		storage.Micros(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count episodes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		out[class] = n
	}
	return out, rows.Err()
}

const selectEpisode = `SELECT episode_id, room, start_us, end_us, duration_s,
	primary_sensor, sensor_set,
	event_count_total, event_count_motion, event_count_presence_on, event_count_presence_off,
	event_rate_per_min, close_reason, timeout_s, quality, quality_flags,
	door_before_s, door_during, door_after_s,
	tod_bucket, weekday,
	class, p_human, p_pet, p_unknown,
	reasons, reason_summary, classifier_version, score_debug,
	first_event_id, last_event_id
	FROM episodes`

func collectEpisodes(rows *sql.Rows) ([]*models.Episode, error) {
	var out []*models.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func scanEpisode(rows *sql.Rows) (*models.Episode, error) {
	var (
		ep                    models.Episode
		startUS, endUS        int64
		sensorSet, flags      string
		doorBefore, doorAfter sql.NullInt64
		doorDuring            int
		reasons, scoreDebug   string
		firstEvent, lastEvent sql.NullString
	)
	if err := rows.Scan(
		&ep.EpisodeID, &ep.Room, &startUS, &endUS, &ep.DurationS,
		&ep.PrimarySensor, &sensorSet,
		&ep.Total, &ep.Motion, &ep.PresenceOn, &ep.PresenceOff,
		&ep.EventRatePerMin, &ep.CloseReason, &ep.TimeoutS, &ep.Quality, &flags,
		&doorBefore, &doorDuring, &doorAfter,
		&ep.TodBucket, &ep.Weekday,
		&ep.Class, &ep.PHuman, &ep.PPet, &ep.PUnknown,
		&reasons, &ep.ReasonSummary, &ep.ClassifierVersion, &scoreDebug,
		&firstEvent, &lastEvent,
	); err != nil {
		return nil, err
	}
	ep.StartTS = storage.FromMicros(startUS)
	ep.EndTS = storage.FromMicros(endUS)
	ep.SensorSet = []string{}
	storage.FromJSONText(sensorSet, &ep.SensorSet)
	ep.QualityFlags = []string{}
	storage.FromJSONText(flags, &ep.QualityFlags)
	if doorBefore.Valid {
		v := int(doorBefore.Int64)
		ep.DoorBeforeS = &v
	}
	ep.DoorDuring = doorDuring != 0
	if doorAfter.Valid {
		v := int(doorAfter.Int64)
		ep.DoorAfterS = &v
	}
	storage.FromJSONText(reasons, &ep.Reasons)
	if scoreDebug != "" && scoreDebug != "{}" {
		ep.ScoreDebug = map[string]any{}
		storage.FromJSONText(scoreDebug, &ep.ScoreDebug)
	}
	if firstEvent.Valid {
		ep.FirstEventID = firstEvent.String
	}
	if lastEvent.Valid {
		ep.LastEventID = lastEvent.String
	}
	return &ep, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
