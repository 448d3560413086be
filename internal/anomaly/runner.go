package anomaly

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/baseline"
	"github.com/agingos/agingos-go-rewrite/internal/episodes"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// How much event history is segmented into episodes ahead of scoring.
const rebuildLookback = 24 * time.Hour

// Runner executes one anomaly pass: refresh episodes, then score the latest
// finished bucket for every room the baseline knows about.
type Runner struct {
	episodes  *episodes.Service
	scorer    *Scorer
	lifecycle *Lifecycle
	baseline  *baseline.Store
	zone      *time.Location
}

func NewRunner(episodeService *episodes.Service, scorer *Scorer, lifecycle *Lifecycle, baselineStore *baseline.Store, zone *time.Location) *Runner {
	return &Runner{
		episodes:  episodeService,
		scorer:    scorer,
		lifecycle: lifecycle,
		baseline:  baselineStore,
		zone:      zone,
	}
}

// RoomResult is the per-room outcome of one pass. A room that failed carries
// its error text and nothing else.
type RoomResult struct {
	Room       string              `json:"room"`
	Action     string              `json:"action,omitempty"`
	Level      models.AnomalyLevel `json:"level"`
	ScoreTotal float64             `json:"score_total"`
	EpisodeID  int64               `json:"episode_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// RunSummary reports one full pass.
type RunSummary struct {
	BucketStart time.Time               `json:"bucket_start"`
	BucketEnd   time.Time               `json:"bucket_end"`
	Episodes    episodes.RebuildSummary `json:"episodes"`
	Rooms       []RoomResult            `json:"rooms"`
	Scored      int                     `json:"scored"`
	Failed      int                     `json:"failed"`
	Note        string                  `json:"note,omitempty"`
}

// RunOnce scores the most recent fully finished bucket as of now. A room that
// fails is reported in the summary and never aborts the other rooms.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (*RunSummary, error) {
	return r.RunBucket(ctx, timeutil.LastFinishedBucket(now, r.zone), now)
}

// RunBucket scores one explicit bucket, for manual replays. The instant is
// floored to its bucket start first.
func (r *Runner) RunBucket(ctx context.Context, bucketStart, now time.Time) (*RunSummary, error) {
	bucketStart = timeutil.BucketStart(bucketStart, r.zone)
	bucketEnd := timeutil.BucketEnd(bucketStart)

	sum := &RunSummary{
		BucketStart: bucketStart,
		BucketEnd:   bucketEnd,
		Rooms:       []RoomResult{},
	}

	rebuilt, err := r.episodes.Rebuild(ctx, bucketEnd.Add(-rebuildLookback), bucketEnd)
	if err != nil {
		return nil, err
	}
	sum.Episodes = rebuilt

	modelEnd, err := r.baseline.LatestModelEnd(ctx, r.scorer.UserID)
	if err != nil {
		return nil, err
	}
	if modelEnd == nil {
		sum.Note = "no trained baseline; nothing to score"
		return sum, nil
	}

	rooms, err := r.baseline.Rooms(ctx, r.scorer.UserID, *modelEnd)
	if err != nil {
		return nil, err
	}

	for _, room := range rooms {
		res := r.scoreRoom(ctx, room, bucketStart, now)
		if res.Error != "" {
			sum.Failed++
		} else {
			sum.Scored++
		}
		sum.Rooms = append(sum.Rooms, res)
	}

	log.Debug().
		Time("bucket_start", bucketStart).
		Int("scored", sum.Scored).
		Int("failed", sum.Failed).
		Msg("Anomaly pass complete")
	return sum, nil
}

func (r *Runner) scoreRoom(ctx context.Context, room string, bucketStart, now time.Time) RoomResult {
	score, err := r.scorer.ScoreRoomBucket(ctx, room, bucketStart)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("Failed to score bucket")
		return RoomResult{Room: room, Error: err.Error()}
	}

	res, err := r.lifecycle.ProcessBucket(ctx, score, now)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("Failed to update anomaly episode")
		return RoomResult{Room: room, Error: err.Error()}
	}

	out := RoomResult{
		Room:       room,
		Action:     res.Action,
		Level:      score.Level,
		ScoreTotal: score.ScoreTotal,
	}
	if res.Episode != nil {
		out.EpisodeID = res.Episode.ID
	}
	return out
}
