package anomaly

import (
	"context"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// Lifecycle defaults.
const (
	DefaultCloseTimeoutMinutes = 90
	DefaultCloseGreenN         = 3
)

// Lifecycle folds scored buckets into per-room anomaly episodes. At most one
// episode per room is active; a bucket at or before the episode's last seen
// bucket is a no-op.
type Lifecycle struct {
	store *Store

	CloseTimeout time.Duration
	CloseGreenN  int
}

func NewLifecycle(store *Store) *Lifecycle {
	return &Lifecycle{
		store:        store,
		CloseTimeout: DefaultCloseTimeoutMinutes * time.Minute,
		CloseGreenN:  DefaultCloseGreenN,
	}
}

// Result reports what ProcessBucket did with one scored bucket.
type Result struct {
	Action  string                 `json:"action"`
	Episode *models.AnomalyEpisode `json:"episode,omitempty"`
}

// ProcessBucket applies one BucketScore to the room's episode state and
// returns the action taken. now drives the close timeout and audit stamps.
func (l *Lifecycle) ProcessBucket(ctx context.Context, score *models.BucketScore, now time.Time) (*Result, error) {
	if score == nil || score.Room == "" {
		return nil, errors.BadInputf("anomaly.process_bucket", "bucket score with a room is required")
	}

	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Internalf("anomaly.process_bucket", err)
	}
	defer tx.Rollback()

	active, err := activeEpisode(ctx, tx, score.Room)
	if err != nil {
		return nil, err
	}

	// Replayed or out-of-order buckets change nothing.
	if active != nil && !score.BucketStart.After(active.LastBucket) {
		return &Result{Action: models.ActionNoop, Episode: active}, nil
	}

	if active == nil {
		if score.Level == models.LevelGreen {
			return &Result{Action: models.ActionNoop}, nil
		}
		ep := l.open(score, now)
		if err := insertEpisode(ctx, tx, ep); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.Internalf("anomaly.process_bucket", err)
		}
		return &Result{Action: models.ActionOpen, Episode: ep}, nil
	}

	active.LastBucket = score.BucketStart
	active.BucketCount++
	active.ScoreTotal = score.ScoreTotal
	active.ScoreIntensity = score.ScoreIntensity
	active.ScoreSequence = score.ScoreSequence
	active.ScoreEvent = score.ScoreEvent
	active.LastScore = score.ScoreTotal
	active.LastLevel = score.Level
	active.ReasonsLast = score.Reasons
	if score.Level > active.Level {
		active.Level = score.Level
	}
	if score.ScoreTotal > active.PeakScore {
		active.PeakScore = score.ScoreTotal
		active.PeakBucket = score.BucketStart
		active.ReasonsPeak = score.Reasons
	}
	if score.Level == models.LevelGreen {
		active.GreenStreak++
	} else {
		active.GreenStreak = 0
	}

	action := models.ActionUpdate
	switch {
	case now.Sub(active.LastBucket) >= l.CloseTimeout:
		l.close(active, score.BucketEnd, models.ClosedTimeout, now)
		action = models.ActionClose
	case active.GreenStreak >= l.CloseGreenN:
		l.close(active, score.BucketEnd, models.ClosedGreenStreak, now)
		action = models.ActionClose
	}

	active.UpdatedAt = now.UTC()
	if err := updateEpisode(ctx, tx, active); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Internalf("anomaly.process_bucket", err)
	}
	return &Result{Action: action, Episode: active}, nil
}

func (l *Lifecycle) open(score *models.BucketScore, now time.Time) *models.AnomalyEpisode {
	details := score.Details
	ref := map[string]any{
		"model_end":        nil,
		"window_days":      7,
		"bucket_minutes":   timeutil.BucketMinutes,
		"baseline_version": "v1",
	}
	if details.ModelEnd != nil {
		ref["model_end"] = details.ModelEnd.UTC().Format(time.RFC3339)
	}

	now = now.UTC()
	return &models.AnomalyEpisode{
		Room:            score.Room,
		StartTS:         score.BucketStart,
		Level:           score.Level,
		ScoreTotal:      score.ScoreTotal,
		ScoreIntensity:  score.ScoreIntensity,
		ScoreSequence:   score.ScoreSequence,
		ScoreEvent:      score.ScoreEvent,
		StartBucket:     score.BucketStart,
		LastBucket:      score.BucketStart,
		PeakBucket:      score.BucketStart,
		PeakScore:       score.ScoreTotal,
		LastScore:       score.ScoreTotal,
		LastLevel:       score.Level,
		BucketCount:     1,
		GreenStreak:     0,
		ReasonsPeak:     score.Reasons,
		ReasonsLast:     score.Reasons,
		Details:         &details,
		HumanWeightMode: "human_weighted",
		PetWeight:       details.Observed.PetWeight,
		BaselineRef:     ref,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (l *Lifecycle) close(ep *models.AnomalyEpisode, bucketEnd time.Time, reason string, now time.Time) {
	end := bucketEnd
	ep.EndTS = &end
	ep.ClosedReason = reason
	closedAt := now.UTC()
	ep.ClosedAt = &closedAt
}
