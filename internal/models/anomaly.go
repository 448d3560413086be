package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AnomalyLevel orders GREEN < YELLOW < RED.
type AnomalyLevel int

const (
	LevelGreen AnomalyLevel = iota
	LevelYellow
	LevelRed
)

func (l AnomalyLevel) String() string {
	switch l {
	case LevelYellow:
		return "YELLOW"
	case LevelRed:
		return "RED"
	default:
		return "GREEN"
	}
}

// ParseAnomalyLevel accepts level names and numeric forms.
func ParseAnomalyLevel(s string) (AnomalyLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GREEN", "0":
		return LevelGreen, nil
	case "YELLOW", "1":
		return LevelYellow, nil
	case "RED", "2":
		return LevelRed, nil
	}
	return LevelGreen, fmt.Errorf("unknown anomaly level %q", s)
}

func (l AnomalyLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *AnomalyLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseAnomalyLevel(s)
		if perr != nil {
			return perr
		}
		*l = parsed
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("anomaly level must be a name or integer: %s", data)
	}
	parsed, perr := ParseAnomalyLevel(strconv.Itoa(n))
	if perr != nil {
		return perr
	}
	*l = parsed
	return nil
}

// Anomaly episode close reasons.
const (
	ClosedGreenStreak = "GREEN_STREAK"
	ClosedTimeout     = "TIMEOUT"
)

// Score reason components.
const (
	ComponentMeta      = "meta"
	ComponentIntensity = "intensity"
	ComponentEvent     = "event"
	ComponentSequence  = "sequence"
)

// ScoreReason explains one scoring component contribution.
type ScoreReason struct {
	ReasonCode string         `json:"reason_code"`
	Component  string         `json:"component"`
	Points     float64        `json:"points"`
	Evidence   map[string]any `json:"evidence"`
}

// BucketObserved captures what the scorer measured for the bucket.
type BucketObserved struct {
	ActivityObs   float64 `json:"activity_obs"`
	DoorObs       int     `json:"door_obs"`
	EpisodesUsed  int     `json:"episodes_used"`
	PetWeight     float64 `json:"pet_weight"`
	UnknownWeight float64 `json:"unknown_weight"`
	PrevRoom      string  `json:"prev_room,omitempty"`
}

// BucketMeta locates the bucket in baseline coordinates.
type BucketMeta struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Idx       int       `json:"idx"`
	Dow       int       `json:"dow"`
	IsWeekend bool      `json:"is_weekend"`
}

// BucketDetails is the full score context stored alongside an episode.
type BucketDetails struct {
	UserID   string         `json:"user_id"`
	ModelEnd *time.Time     `json:"model_end"`
	Room     string         `json:"room"`
	Bucket   BucketMeta     `json:"bucket"`
	Observed BucketObserved `json:"observed"`
}

// BucketScore is the deterministic per-(room, bucket) scoring result.
type BucketScore struct {
	Room           string        `json:"room"`
	BucketStart    time.Time     `json:"bucket_start"`
	BucketEnd      time.Time     `json:"bucket_end"`
	Dow            int           `json:"dow"`
	IsWeekend      bool          `json:"is_weekend"`
	BucketIdx      int           `json:"bucket_idx"`
	ScoreTotal     float64       `json:"score_total"`
	ScoreIntensity float64       `json:"score_intensity"`
	ScoreSequence  float64       `json:"score_sequence"`
	ScoreEvent     float64       `json:"score_event"`
	Level          AnomalyLevel  `json:"level"`
	Reasons        []ScoreReason `json:"reasons"`
	Details        BucketDetails `json:"details"`
}

// AnomalyEpisode is the per-room debounced open/update/close record.
type AnomalyEpisode struct {
	ID             int64         `json:"id"`
	Room           string        `json:"room"`
	StartTS        time.Time     `json:"start_ts"`
	EndTS          *time.Time    `json:"end_ts"`
	Level          AnomalyLevel  `json:"level"`
	ScoreTotal     float64       `json:"score_total"`
	ScoreIntensity float64       `json:"score_intensity"`
	ScoreSequence  float64       `json:"score_sequence"`
	ScoreEvent     float64       `json:"score_event"`
	StartBucket    time.Time     `json:"start_bucket"`
	LastBucket     time.Time     `json:"last_bucket"`
	PeakBucket     time.Time     `json:"peak_bucket"`
	PeakScore      float64       `json:"peak_score"`
	LastScore      float64       `json:"last_score"`
	LastLevel      AnomalyLevel  `json:"last_level"`
	BucketCount    int           `json:"bucket_count"`
	GreenStreak    int           `json:"green_streak"`

	ClosedAt        *time.Time     `json:"closed_at"`
	ClosedReason    string         `json:"closed_reason,omitempty"`
	ReasonsPeak     []ScoreReason  `json:"reasons_peak"`
	ReasonsLast     []ScoreReason  `json:"reasons_last"`
	Details         *BucketDetails `json:"details,omitempty"`
	HumanWeightMode string         `json:"human_weight_mode"`
	PetWeight       float64        `json:"pet_weight"`
	BaselineRef     map[string]any `json:"baseline_ref,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Active reports whether the episode is still open.
func (e AnomalyEpisode) Active() bool {
	return e.EndTS == nil
}

// Upsert actions reported by the episode lifecycle.
const (
	ActionNoop   = "NOOP"
	ActionOpen   = "OPEN"
	ActionUpdate = "UPDATE"
	ActionClose  = "CLOSE"
)
