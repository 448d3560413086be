// Package baseline reads the trained per-room activity statistics that the
// anomaly scorer compares observations against. Models are stamped by a
// model_end instant; readers always work from the latest stamp.
package baseline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// DefaultUserID identifies the single household this instance serves.
const DefaultUserID = "default"

// StaleAfter is how old the newest model may be before the status summary
// flags it.
const StaleAfter = 14 * 24 * time.Hour

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LatestModelEnd returns the newest model stamp for the user, or nil when no
// baseline has been trained yet.
func (s *Store) LatestModelEnd(ctx context.Context, userID string) (*time.Time, error) {
	var us sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(model_end_us) FROM baseline_room_buckets WHERE user_id = ?`,
		userID).Scan(&us)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest model end: %w", err)
	}
	return storage.FromMicrosPtr(us), nil
}

// Rooms lists the rooms covered by one model stamp.
func (s *Store) Rooms(ctx context.Context, userID string, modelEnd time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT room_id FROM baseline_room_buckets
		 WHERE user_id = ? AND model_end_us = ? ORDER BY room_id`,
		userID, storage.Micros(modelEnd))
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline rooms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

// RoomBucket returns the statistics row for one (room, bucket) slot, or nil
// when the model has no coverage there.
func (s *Store) RoomBucket(ctx context.Context, userID string, modelEnd time.Time, dow int, isWeekend bool, room string, bucketIdx int) (*models.BaselineRoomBucket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT activity_median, activity_sigma, activity_support_n, activity_support_days,
		        door_median, door_sigma, door_support_n, door_support_days, sigma_floor
		 FROM baseline_room_buckets
		 WHERE user_id = ? AND model_end_us = ? AND dow = ? AND is_weekend = ?
		   AND room_id = ? AND bucket_idx = ? LIMIT 1`,
		userID, storage.Micros(modelEnd), dow, boolInt(isWeekend), room, bucketIdx)

	b := models.BaselineRoomBucket{
		UserID:    userID,
		ModelEnd:  modelEnd,
		Dow:       dow,
		IsWeekend: isWeekend,
		RoomID:    room,
		BucketIdx: bucketIdx,
	}
	var actMedian, actSigma, doorMedian, doorSigma, sigmaFloor sql.NullFloat64
	err := row.Scan(&actMedian, &actSigma, &b.ActivitySupportN, &b.ActivitySupportDays,
		&doorMedian, &doorSigma, &b.DoorSupportN, &b.DoorSupportDays, &sigmaFloor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room bucket baseline: %w", err)
	}
	b.ActivityMedian = floatPtr(actMedian)
	b.ActivitySigma = floatPtr(actSigma)
	b.DoorMedian = floatPtr(doorMedian)
	b.DoorSigma = floatPtr(doorSigma)
	b.SigmaFloor = floatPtr(sigmaFloor)
	return &b, nil
}

// Transition returns the smoothed probability row for one room-to-room move,
// or nil when the model never saw it.
func (s *Store) Transition(ctx context.Context, userID string, modelEnd time.Time, dow int, isWeekend bool, bucketIdx int, fromRoom, toRoom string) (*models.BaselineTransition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT p_smoothed, trans_count, from_total, alpha
		 FROM baseline_transitions
		 WHERE user_id = ? AND model_end_us = ? AND dow = ? AND is_weekend = ?
		   AND bucket_idx = ? AND from_room_id = ? AND to_room_id = ? LIMIT 1`,
		userID, storage.Micros(modelEnd), dow, boolInt(isWeekend), bucketIdx, fromRoom, toRoom)

	t := models.BaselineTransition{
		UserID:     userID,
		ModelEnd:   modelEnd,
		Dow:        dow,
		IsWeekend:  isWeekend,
		BucketIdx:  bucketIdx,
		FromRoomID: fromRoom,
		ToRoomID:   toRoom,
	}
	err := row.Scan(&t.PSmoothed, &t.TransCount, &t.FromTotal, &t.Alpha)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transition baseline: %w", err)
	}
	return &t, nil
}

// PutRoomBuckets writes statistics rows, replacing existing slots. Used by
// the model importer and by tests.
func (s *Store) PutRoomBuckets(ctx context.Context, buckets []models.BaselineRoomBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO baseline_room_buckets
			 (user_id, model_end_us, dow, is_weekend, room_id, bucket_idx,
			  activity_median, activity_sigma, activity_support_n, activity_support_days,
			  door_median, door_sigma, door_support_n, door_support_days, sigma_floor)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.UserID, storage.Micros(b.ModelEnd), b.Dow, boolInt(b.IsWeekend), b.RoomID, b.BucketIdx,
			nullFloat(b.ActivityMedian), nullFloat(b.ActivitySigma), b.ActivitySupportN, b.ActivitySupportDays,
			nullFloat(b.DoorMedian), nullFloat(b.DoorSigma), b.DoorSupportN, b.DoorSupportDays, nullFloat(b.SigmaFloor),
		); err != nil {
			return fmt.Errorf("failed to write room bucket baseline: %w", err)
		}
	}
	return tx.Commit()
}

// PutTransitions writes transition rows, replacing existing slots.
func (s *Store) PutTransitions(ctx context.Context, transitions []models.BaselineTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range transitions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO baseline_transitions
			 (user_id, model_end_us, dow, is_weekend, bucket_idx, from_room_id, to_room_id,
			  p_smoothed, trans_count, from_total, alpha)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.UserID, storage.Micros(t.ModelEnd), t.Dow, boolInt(t.IsWeekend), t.BucketIdx, t.FromRoomID, t.ToRoomID,
			t.PSmoothed, t.TransCount, t.FromTotal, t.Alpha,
		); err != nil {
			return fmt.Errorf("failed to write transition baseline: %w", err)
		}
	}
	return tx.Commit()
}

// Status summarizes baseline freshness for the status endpoint.
type Status struct {
	UserID      string     `json:"user_id"`
	ModelEnd    *time.Time `json:"model_end"`
	Stale       bool       `json:"stale"`
	Rooms       int        `json:"rooms"`
	Buckets     int        `json:"buckets"`
	Transitions int        `json:"transitions"`
}

// Status reports whether a baseline exists and how fresh it is. A model older
// than StaleAfter is flagged stale but still used for scoring.
func (s *Store) Status(ctx context.Context, userID string, now time.Time) (Status, error) {
	st := Status{UserID: userID}

	modelEnd, err := s.LatestModelEnd(ctx, userID)
	if err != nil {
		return st, err
	}
	if modelEnd == nil {
		return st, nil
	}
	st.ModelEnd = modelEnd
	st.Stale = now.Sub(*modelEnd) > StaleAfter

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT room_id), COUNT(*) FROM baseline_room_buckets
		 WHERE user_id = ? AND model_end_us = ?`,
		userID, storage.Micros(*modelEnd)).Scan(&st.Rooms, &st.Buckets)
	if err != nil {
		return st, fmt.Errorf("failed to summarize baseline: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM baseline_transitions WHERE user_id = ? AND model_end_us = ?`,
		userID, storage.Micros(*modelEnd)).Scan(&st.Transitions)
	if err != nil {
		return st, fmt.Errorf("failed to summarize transitions: %w", err)
	}
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
