// Package anomaly scores 15-minute room buckets against the trained baseline
// and maintains per-room anomaly episodes over the resulting levels.
package anomaly

import (
	"context"
	"math"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/baseline"
	"github.com/agingos/agingos-go-rewrite/internal/episodes"
	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// Scoring defaults.
const (
	DefaultPetWeight     = 0.25
	DefaultUnknownWeight = 0.50
	DefaultPFloor        = 1e-6
	// Used when the baseline row carries no sigma floor of its own.
	DefaultSigmaFloor = 0.1
)

// Scorer computes one BucketScore per (room, bucket) pair. All inputs are
// reads; the scorer itself holds no state.
type Scorer struct {
	episodes *episodes.Store
	events   *events.Store
	baseline *baseline.Store

	UserID        string
	PetWeight     float64
	UnknownWeight float64
	PFloor        float64
}

func NewScorer(episodeStore *episodes.Store, eventStore *events.Store, baselineStore *baseline.Store) *Scorer {
	return &Scorer{
		episodes:      episodeStore,
		events:        eventStore,
		baseline:      baselineStore,
		UserID:        baseline.DefaultUserID,
		PetWeight:     DefaultPetWeight,
		UnknownWeight: DefaultUnknownWeight,
		PFloor:        DefaultPFloor,
	}
}

// ScoreRoomBucket scores the 15-minute bucket starting at bucketStart for one
// room. A missing baseline never fails the call: it degrades to GREEN with an
// explainable zero-point reason.
func (s *Scorer) ScoreRoomBucket(ctx context.Context, room string, bucketStart time.Time) (*models.BucketScore, error) {
	if room == "" {
		return nil, errors.BadInputf("score_bucket", "room is required")
	}
	if bucketStart.IsZero() {
		return nil, errors.BadTimef("score_bucket", "bucket_start is required and must be timezone-aware UTC")
	}

	bucketStart = bucketStart.UTC().Truncate(time.Minute)
	bucketEnd := bucketStart.Add(timeutil.BucketMinutes * time.Minute)

	score := &models.BucketScore{
		Room:        room,
		BucketStart: bucketStart,
		BucketEnd:   bucketEnd,
		Dow:         timeutil.Dow(bucketStart),
		IsWeekend:   timeutil.IsWeekend(timeutil.Dow(bucketStart)),
		BucketIdx:   timeutil.BucketIdx(bucketStart),
		Reasons:     []models.ScoreReason{},
	}
	score.Details = models.BucketDetails{
		UserID: s.UserID,
		Room:   room,
		Bucket: models.BucketMeta{
			Start:     bucketStart,
			End:       bucketEnd,
			Idx:       score.BucketIdx,
			Dow:       score.Dow,
			IsWeekend: score.IsWeekend,
		},
	}

	// Observations are computed regardless of baseline coverage so that a
	// GREEN-by-default result still shows what was seen.
	activityObs, used, err := s.observedActivity(ctx, room, bucketStart, bucketEnd)
	if err != nil {
		return nil, err
	}
	doorObs, err := s.observedDoorEvents(ctx, room, bucketStart, bucketEnd)
	if err != nil {
		return nil, err
	}
	score.Details.Observed = models.BucketObserved{
		ActivityObs:   activityObs,
		DoorObs:       doorObs,
		EpisodesUsed:  used,
		PetWeight:     s.PetWeight,
		UnknownWeight: s.UnknownWeight,
	}

	modelEnd, err := s.baseline.LatestModelEnd(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if modelEnd == nil {
		score.Reasons = append(score.Reasons, models.ScoreReason{
			ReasonCode: "BASELINE_STATUS_MISSING",
			Component:  models.ComponentMeta,
			Points:     0,
			Evidence:   map[string]any{"note": "no trained baseline for user"},
		})
		score.Level = levelFromScore(score.ScoreTotal)
		return score, nil
	}
	score.Details.ModelEnd = modelEnd

	b, err := s.baseline.RoomBucket(ctx, s.UserID, *modelEnd, score.Dow, score.IsWeekend, room, score.BucketIdx)
	if err != nil {
		return nil, err
	}
	if b == nil {
		score.Reasons = append(score.Reasons, models.ScoreReason{
			ReasonCode: "BASELINE_MISSING_ROOM_BUCKET",
			Component:  models.ComponentMeta,
			Points:     0,
			Evidence: map[string]any{
				"room":       room,
				"bucket_idx": score.BucketIdx,
				"dow":        score.Dow,
				"is_weekend": score.IsWeekend,
			},
		})
	} else {
		sigmaFloor := DefaultSigmaFloor
		if b.SigmaFloor != nil {
			sigmaFloor = *b.SigmaFloor
		}

		// Intensity component (weighted activity vs baseline).
		if b.ActivityMedian == nil || b.ActivitySigma == nil || b.ActivitySupportN <= 0 {
			score.Reasons = append(score.Reasons, models.ScoreReason{
				ReasonCode: "BASELINE_ACTIVITY_UNSUPPORTED",
				Component:  models.ComponentIntensity,
				Points:     0,
				Evidence: map[string]any{
					"support_n": b.ActivitySupportN,
					"mu":        b.ActivityMedian,
					"sigma":     b.ActivitySigma,
				},
			})
		} else {
			mu, sig := *b.ActivityMedian, *b.ActivitySigma
			sigmaEff := math.Max(sig, sigmaFloor)
			z := 0.0
			if sigmaEff > 0 {
				z = (activityObs - mu) / sigmaEff
			}
			zPos := math.Max(0, z)
			// Zero until two sigma, then linear up to three points.
			score.ScoreIntensity = clamp((zPos-2.0)/1.0, 0, 3)
			if score.ScoreIntensity > 0 {
				score.Reasons = append(score.Reasons, models.ScoreReason{
					ReasonCode: "INTENSITY_ACTIVITY_Z",
					Component:  models.ComponentIntensity,
					Points:     round4(score.ScoreIntensity),
					Evidence: map[string]any{
						"obs":       activityObs,
						"mu":        mu,
						"sigma_eff": sigmaEff,
						"z":         z,
						"support_n": b.ActivitySupportN,
					},
				})
			}
		}

		// Event component (door count vs baseline).
		if b.DoorMedian == nil || b.DoorSigma == nil || b.DoorSupportN <= 0 {
			score.Reasons = append(score.Reasons, models.ScoreReason{
				ReasonCode: "BASELINE_DOOR_UNSUPPORTED",
				Component:  models.ComponentEvent,
				Points:     0,
				Evidence: map[string]any{
					"support_n": b.DoorSupportN,
					"mu":        b.DoorMedian,
					"sigma":     b.DoorSigma,
				},
			})
		} else {
			mu, sig := *b.DoorMedian, *b.DoorSigma
			sigmaEff := math.Max(sig, sigmaFloor)
			z := 0.0
			if sigmaEff > 0 {
				z = (float64(doorObs) - mu) / sigmaEff
			}
			zPos := math.Max(0, z)
			// Doors are rarer events: one sigma already counts.
			score.ScoreEvent = clamp((zPos-1.0)/1.0, 0, 3)
			if score.ScoreEvent > 0 {
				score.Reasons = append(score.Reasons, models.ScoreReason{
					ReasonCode: "EVENT_DOOR_Z",
					Component:  models.ComponentEvent,
					Points:     round4(score.ScoreEvent),
					Evidence: map[string]any{
						"door_obs":  doorObs,
						"mu":        mu,
						"sigma_eff": sigmaEff,
						"z":         z,
						"support_n": b.DoorSupportN,
					},
				})
			}
		}
	}

	// Sequence component (rarity of the room transition).
	prev, err := s.episodes.PrevRoom(ctx, bucketStart)
	if err != nil {
		return nil, err
	}
	score.Details.Observed.PrevRoom = prev

	if prev != "" && prev != room {
		tr, err := s.baseline.Transition(ctx, s.UserID, *modelEnd, score.Dow, score.IsWeekend, score.BucketIdx, prev, room)
		if err != nil {
			return nil, err
		}
		if tr == nil {
			score.Reasons = append(score.Reasons, models.ScoreReason{
				ReasonCode: "TRANSITION_BASELINE_MISSING",
				Component:  models.ComponentSequence,
				Points:     0,
				Evidence:   map[string]any{"from_room": prev, "to_room": room},
			})
		} else {
			pEff := math.Max(tr.PSmoothed, s.PFloor)
			rarity := -math.Log(pEff)
			// Zero until rarity ~2, full three points around rarity ~8.
			score.ScoreSequence = clamp((rarity-2.0)/2.0, 0, 3)
			if score.ScoreSequence > 0 {
				score.Reasons = append(score.Reasons, models.ScoreReason{
					ReasonCode: "SEQUENCE_TRANSITION_RARITY",
					Component:  models.ComponentSequence,
					Points:     round4(score.ScoreSequence),
					Evidence: map[string]any{
						"from_room":   prev,
						"to_room":     room,
						"p":           tr.PSmoothed,
						"p_floor":     s.PFloor,
						"rarity":      rarity,
						"trans_count": float64(tr.TransCount),
						"from_total":  float64(tr.FromTotal),
						"alpha":       tr.Alpha,
					},
				})
			}
		}
	}

	score.ScoreTotal = score.ScoreIntensity + score.ScoreEvent + score.ScoreSequence
	score.Level = levelFromScore(score.ScoreTotal)
	return score, nil
}

func (s *Scorer) observedActivity(ctx context.Context, room string, start, end time.Time) (float64, int, error) {
	eps, err := s.episodes.Overlapping(ctx, room, start, end)
	if err != nil {
		return 0, 0, err
	}

	total := 0.0
	used := 0
	for _, ep := range eps {
		overlap := minTime(ep.EndTS, end).Sub(maxTime(ep.StartTS, start)).Seconds()
		if overlap <= 0 {
			continue
		}
		w := ep.PHuman + s.PetWeight*ep.PPet + s.UnknownWeight*ep.PUnknown
		total += ep.EventRatePerMin * (overlap / 60.0) * w
		used++
	}
	return total, used, nil
}

func (s *Scorer) observedDoorEvents(ctx context.Context, room string, start, end time.Time) (int, error) {
	evs, err := s.events.Query(ctx, start, end, events.QueryOptions{
		Category: models.CategoryDoor,
		Room:     room,
	})
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

func levelFromScore(total float64) models.AnomalyLevel {
	switch {
	case total >= 4.0:
		return models.LevelRed
	case total >= 2.0:
		return models.LevelYellow
	default:
		return models.LevelGreen
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
