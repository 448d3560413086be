package proposals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/anomaly"
	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// Miner derives proposals from recent anomaly episodes. Each detector
// upserts against the open dedupe key, so repeated daily runs refresh the
// same proposal instead of stacking duplicates. Thresholds are deliberately
// pilot-friendly: one night of activity is enough for an early signal.
type Miner struct {
	store    *Store
	episodes *anomaly.Store
	zone     *time.Location
}

func NewMiner(store *Store, episodes *anomaly.Store, zone *time.Location) *Miner {
	return &Miner{store: store, episodes: episodes, zone: zone}
}

const (
	// minerLookback covers the longest detector window.
	minerLookback   = 14 * 24 * time.Hour
	minerFetchLimit = 5000

	dateLayout = "2006-01-02"
)

// MineCounts reports upserts per detector.
type MineCounts struct {
	Night     int `json:"night_proposals_upserted"`
	Door      int `json:"door_proposals_upserted"`
	Bootstrap int `json:"bootstrap_proposals_upserted"`
	NightRoom int `json:"night_room_proposals_upserted"`
}

// MineSummary is one miner pass result, kept as the job payload.
type MineSummary struct {
	TS     time.Time  `json:"ts"`
	Counts MineCounts `json:"counts"`
}

// Mine runs every detector over the recent anomaly episodes and commits all
// resulting upserts as one transaction, so a failing detector leaves the
// proposal set untouched.
func (m *Miner) Mine(ctx context.Context, now time.Time) (*MineSummary, error) {
	now = now.UTC()
	eps, err := m.episodes.List(ctx, anomaly.ListOptions{
		Since: now.Add(-minerLookback),
		Limit: minerFetchLimit,
	})
	if err != nil {
		return nil, err
	}

	// Episodes without a subject cannot be attributed to anyone.
	var pool []*models.AnomalyEpisode
	for _, ep := range eps {
		if ep.Details == nil || ep.Details.UserID == "" {
			continue
		}
		pool = append(pool, ep)
	}

	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin miner pass: %w", err)
	}
	defer tx.Rollback()

	var counts MineCounts
	if counts.Night, err = m.mineNightEarly(ctx, tx, pool, now); err != nil {
		return nil, err
	}
	if counts.Door, err = m.mineDoorBurst(ctx, tx, pool, now); err != nil {
		return nil, err
	}
	if counts.Bootstrap, err = m.mineBootstrap(ctx, tx, pool, now); err != nil {
		return nil, err
	}
	if counts.NightRoom, err = m.mineNightFrequent(ctx, tx, pool, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit miner pass: %w", err)
	}

	log.Info().
		Int("episodes", len(pool)).
		Int("night", counts.Night).
		Int("door", counts.Door).
		Int("bootstrap", counts.Bootstrap).
		Int("nightRoom", counts.NightRoom).
		Msg("Proposal miner finished")
	return &MineSummary{TS: now, Counts: counts}, nil
}

// mineNightEarly proposes per subject when any anomaly episode starts in
// local night hours (22:00-07:00) on at least one of the last seven local
// dates.
func (m *Miner) mineNightEarly(ctx context.Context, q dbtx, eps []*models.AnomalyEpisode, now time.Time) (int, error) {
	cutoff := m.localDateCutoff(now, 7)
	perSubject := map[string]map[string]int{}
	for _, ep := range eps {
		local := ep.StartTS.In(m.zone)
		if h := local.Hour(); h >= 7 && h < 22 {
			continue
		}
		date := local.Format(dateLayout)
		if date < cutoff {
			continue
		}
		subject := ep.Details.UserID
		if perSubject[subject] == nil {
			perSubject[subject] = map[string]int{}
		}
		perSubject[subject][date]++
	}

	upserts := 0
	for subject, nights := range perSubject {
		evidence := map[string]any{
			"nights_window":         7,
			"nights_over_threshold": len(nights),
			"threshold":             1,
			"night_hours_local":     map[string]string{"start": "22:00", "end": "07:00"},
			"per_night":             talliesDesc(nights),
		}
		why := []models.WhyReason{{
			ReasonCode: models.ProposalNightActivityEarly,
			Text:       "Nattlig aktivitet forekommer på >=1 av de siste 7 nettene (lokal tid).",
			Weight:     1,
			Data:       map[string]any{"nights_over_threshold": len(nights)},
		}}
		_, err := upsertProposal(ctx, q, &models.Proposal{
			SubjectID:    subject,
			ProposalType: models.ProposalNightActivityEarly,
			DedupeKey:    "night_activity:all",
			Priority:     35,
			Evidence:     evidence,
			Why:          why,
			ActionTarget: "monitor:R-001",
			ActionPayload: map[string]any{
				"mode_test": models.ModeTest,
				"mode_on":   models.ModeOn,
				"params":    map[string]any{"nights_window": 7, "min_nights": 1, "threshold": 1},
				"note":      "MVP: TEST skal gi overvåkning uten actionable alerts (kobles senere i rule-engine).",
			},
			WindowStart: now.Add(-7 * 24 * time.Hour),
			WindowEnd:   now,
		}, now)
		if err != nil {
			return 0, err
		}
		upserts++
	}
	return upserts, nil
}

// mineDoorBurst proposes per subject when door-related anomaly episodes
// occur at least three times inside fourteen days.
func (m *Miner) mineDoorBurst(ctx context.Context, q dbtx, eps []*models.AnomalyEpisode, now time.Time) (int, error) {
	perSubject := map[string]map[string]int{}
	for _, ep := range eps {
		if !hasDoorReason(ep) {
			continue
		}
		subject := ep.Details.UserID
		if perSubject[subject] == nil {
			perSubject[subject] = map[string]int{}
		}
		perSubject[subject][ep.StartTS.In(m.zone).Format(dateLayout)]++
	}

	upserts := 0
	for subject, days := range perSubject {
		total := 0
		for _, n := range days {
			total += n
		}
		if total < 3 {
			continue
		}
		evidence := map[string]any{
			"window_days":        14,
			"door_anomaly_count": total,
			"min_count":          3,
			"per_day":            talliesDesc(days),
			"reason_code_prefix": "EVENT_DOOR",
		}
		why := []models.WhyReason{{
			ReasonCode: models.ProposalDoorAnomalyBurst,
			Text:       "Dør-relaterte anomalier forekommer >=3 ganger siste 14 dager (lokal tid).",
			Weight:     1,
			Data:       map[string]any{"door_anomaly_count": total},
		}}
		_, err := upsertProposal(ctx, q, &models.Proposal{
			SubjectID:    subject,
			ProposalType: models.ProposalDoorAnomalyBurst,
			DedupeKey:    "door_usage:all",
			Priority:     40,
			Evidence:     evidence,
			Why:          why,
			ActionTarget: "monitor:R-002",
			ActionPayload: map[string]any{
				"mode_test":               models.ModeTest,
				"mode_on":                 models.ModeOn,
				"params":                  map[string]any{"window_days": 14, "min_count": 3},
				"suppress_alerts_in_test": true,
				"note":                    "MVP: kobles senere til faktisk rule mode (OFF/TEST/ON).",
			},
			WindowStart: now.Add(-14 * 24 * time.Hour),
			WindowEnd:   now,
		}, now)
		if err != nil {
			return 0, err
		}
		upserts++
	}
	return upserts, nil
}

// mineBootstrap proposes per subject on any YELLOW-or-worse episode in the
// last seven days. It exists so the lifecycle, API and UI can be exercised
// early in a pilot with minimal data.
func (m *Miner) mineBootstrap(ctx context.Context, q dbtx, eps []*models.AnomalyEpisode, now time.Time) (int, error) {
	since := now.Add(-7 * 24 * time.Hour)
	type tally struct {
		count  int
		lastTS time.Time
	}
	perSubject := map[string]*tally{}
	for _, ep := range eps {
		if ep.StartTS.Before(since) || ep.Level < models.LevelYellow {
			continue
		}
		subject := ep.Details.UserID
		t := perSubject[subject]
		if t == nil {
			t = &tally{}
			perSubject[subject] = t
		}
		t.count++
		if ep.StartTS.After(t.lastTS) {
			t.lastTS = ep.StartTS
		}
	}

	upserts := 0
	for subject, t := range perSubject {
		evidence := map[string]any{
			"window_days":   7,
			"level_min":     models.LevelYellow.String(),
			"anomaly_count": t.count,
			"last_ts":       t.lastTS.UTC().Format(time.RFC3339),
			"mvp_bootstrap": true,
		}
		why := []models.WhyReason{{
			ReasonCode: models.ProposalMVPBootstrapAnyL2,
			Text:       "Bootstrap-proposal for å teste lifecycle/API/UI: minst én L2+ anomaly siste 7 dager.",
			Weight:     1,
			Data:       map[string]any{"anomaly_count": t.count},
		}}
		_, err := upsertProposal(ctx, q, &models.Proposal{
			SubjectID:    subject,
			ProposalType: models.ProposalMVPBootstrapAnyL2,
			DedupeKey:    "mvp_bootstrap:any_l2",
			Priority:     10,
			Evidence:     evidence,
			Why:          why,
			ActionTarget: "monitor:R-003",
			ActionPayload: map[string]any{
				"mode_test": models.ModeTest,
				"mode_on":   models.ModeOn,
				"params":    map[string]any{"note": "MVP bootstrap only"},
			},
			WindowStart: since,
			WindowEnd:   now,
		}, now)
		if err != nil {
			return 0, err
		}
		upserts++
	}
	return upserts, nil
}

// mineNightFrequent proposes per (subject, room) when YELLOW-or-worse
// episodes hit at least four distinct nights of the last seven in the same
// room. Night hours are 22:00-06:00 local; hours before 06:00 count toward
// the previous night's date.
func (m *Miner) mineNightFrequent(ctx context.Context, q dbtx, eps []*models.AnomalyEpisode, now time.Time) (int, error) {
	cutoff := m.localDateCutoff(now, 7)
	type roomKey struct {
		subject string
		room    string
	}
	type roomAgg struct {
		nights     map[string]struct{}
		episodeIDs []int64
	}
	perRoom := map[roomKey]*roomAgg{}
	for _, ep := range eps {
		if ep.Level < models.LevelYellow {
			continue
		}
		local := ep.StartTS.In(m.zone)
		h := local.Hour()
		if h >= 6 && h < 22 {
			continue
		}
		nightDate := local
		if h < 6 {
			nightDate = local.AddDate(0, 0, -1)
		}
		date := nightDate.Format(dateLayout)
		if date < cutoff {
			continue
		}
		key := roomKey{subject: ep.Details.UserID, room: ep.Room}
		agg := perRoom[key]
		if agg == nil {
			agg = &roomAgg{nights: map[string]struct{}{}}
			perRoom[key] = agg
		}
		agg.nights[date] = struct{}{}
		agg.episodeIDs = append(agg.episodeIDs, ep.ID)
	}

	upserts := 0
	for key, agg := range perRoom {
		nightsHit := len(agg.nights)
		if nightsHit < 4 {
			continue
		}
		dates := make([]string, 0, nightsHit)
		for d := range agg.nights {
			dates = append(dates, d)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(dates)))
		if len(dates) > 10 {
			dates = dates[:10]
		}
		ids := append([]int64(nil), agg.episodeIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		if len(ids) > 20 {
			ids = ids[:20]
		}

		evidence := map[string]any{
			"nights_window":     7,
			"min_nights":        4,
			"level_min":         models.LevelYellow.String(),
			"night_hours_local": map[string]string{"start": "22:00", "end": "06:00"},
			"count_7d":          nightsHit,
			"night_dates":       dates,
			"episode_ids":       ids,
		}
		why := []models.WhyReason{{
			ReasonCode: models.ProposalNightActivityFrequent,
			Text:       "Gul/rød natt-anomali forekommer >=4 av de siste 7 nettene i samme rom (lokal tid).",
			Weight:     1,
			Data:       map[string]any{"count_7d": nightsHit, "room_id": key.room},
		}}
		_, err := upsertProposal(ctx, q, &models.Proposal{
			SubjectID:    key.subject,
			RoomID:       key.room,
			ProposalType: models.ProposalNightActivityFrequent,
			DedupeKey:    "room:" + key.room,
			Priority:     60,
			Evidence:     evidence,
			Why:          why,
			ActionTarget: "monitor:R-001",
			ActionPayload: map[string]any{
				"monitor_key": "R-001",
				"room_id":     key.room,
				"params":      map[string]any{"nights_window": 7, "min_nights": 4, "level_min": models.LevelYellow.String()},
				"note":        "MVP miner: per-room night activity frequent.",
			},
			WindowStart: now.Add(-7 * 24 * time.Hour),
			WindowEnd:   now,
		}, now)
		if err != nil {
			return 0, err
		}
		upserts++
	}
	return upserts, nil
}

// localDateCutoff returns the oldest local date (inclusive) of a window of
// that many days ending today in the miner's zone.
func (m *Miner) localDateCutoff(now time.Time, days int) string {
	local := now.In(m.zone)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.zone).
		AddDate(0, 0, -(days - 1))
	return start.Format(dateLayout)
}

func hasDoorReason(ep *models.AnomalyEpisode) bool {
	for _, r := range ep.ReasonsPeak {
		if strings.HasPrefix(r.ReasonCode, "EVENT_DOOR") {
			return true
		}
	}
	for _, r := range ep.ReasonsLast {
		if strings.HasPrefix(r.ReasonCode, "EVENT_DOOR") {
			return true
		}
	}
	return false
}

// nightTally is one local date's episode count inside a detector window.
type nightTally struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

func talliesDesc(byDate map[string]int) []nightTally {
	out := make([]nightTally, 0, len(byDate))
	for d, n := range byDate {
		out = append(out, nightTally{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}
