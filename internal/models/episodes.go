package models

import "time"

// Episode close reasons.
const (
	CloseOffEvent = "off_event"
	CloseTimeout  = "timeout"
)

// Episode quality grades.
const (
	QualityHigh   = "high"
	QualityMedium = "medium"
	QualityLow    = "low"
)

// Episode classes.
const (
	ClassHuman   = "human"
	ClassPet     = "pet"
	ClassUnknown = "unknown"
)

// ClassifierVersion identifies the bundled deterministic classifier.
const ClassifierVersion = "rules_v1"

// ClassReason is one piece of classifier evidence.
type ClassReason struct {
	Code      string         `json:"code"`
	Direction string         `json:"direction"`
	Weight    float64        `json:"weight"`
	Evidence  map[string]any `json:"evidence"`
}

// Episode is a finished per-room activity segment with classification.
type Episode struct {
	EpisodeID     string    `json:"episode_id"`
	Room          string    `json:"room"`
	StartTS       time.Time `json:"start_ts"`
	EndTS         time.Time `json:"end_ts"`
	DurationS     int       `json:"duration_s"`
	PrimarySensor string    `json:"primary_sensor"`
	SensorSet     []string  `json:"sensor_set"`

	Total       int `json:"event_count_total"`
	Motion      int `json:"event_count_motion"`
	PresenceOn  int `json:"event_count_presence_on"`
	PresenceOff int `json:"event_count_presence_off"`

	EventRatePerMin float64 `json:"event_rate_per_min"`

	CloseReason  string   `json:"close_reason"`
	TimeoutS     int      `json:"timeout_s"`
	Quality      string   `json:"quality"`
	QualityFlags []string `json:"quality_flags"`

	DoorBeforeS *int `json:"door_before_s"`
	DoorDuring  bool `json:"door_during"`
	DoorAfterS  *int `json:"door_after_s"`

	TodBucket string `json:"tod_bucket"`
	Weekday   int    `json:"weekday"`

	Class             string         `json:"class"`
	PHuman            float64        `json:"p_human"`
	PPet              float64        `json:"p_pet"`
	PUnknown          float64        `json:"p_unknown"`
	Reasons           []ClassReason  `json:"reasons"`
	ReasonSummary     string         `json:"reason_summary"`
	ClassifierVersion string         `json:"classifier_version"`
	ScoreDebug        map[string]any `json:"score_debug,omitempty"`

	FirstEventID string `json:"first_event_id"`
	LastEventID  string `json:"last_event_id"`
}
