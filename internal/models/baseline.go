package models

import "time"

// BaselineRoomBucket holds per-(room, bucket, dow, weekend) activity and door
// statistics stamped by model_end.
type BaselineRoomBucket struct {
	UserID    string    `json:"user_id"`
	ModelEnd  time.Time `json:"model_end"`
	Dow       int       `json:"dow"`
	IsWeekend bool      `json:"is_weekend"`
	RoomID    string    `json:"room_id"`
	BucketIdx int       `json:"bucket_idx"`

	ActivityMedian      *float64 `json:"activity_median"`
	ActivitySigma       *float64 `json:"activity_sigma"`
	ActivitySupportN    int      `json:"activity_support_n"`
	ActivitySupportDays int      `json:"activity_support_days"`

	DoorMedian      *float64 `json:"door_median"`
	DoorSigma       *float64 `json:"door_sigma"`
	DoorSupportN    int      `json:"door_support_n"`
	DoorSupportDays int      `json:"door_support_days"`

	SigmaFloor *float64 `json:"sigma_floor"`
}

// BaselineTransition holds a smoothed room-to-room transition probability.
type BaselineTransition struct {
	UserID     string    `json:"user_id"`
	ModelEnd   time.Time `json:"model_end"`
	Dow        int       `json:"dow"`
	IsWeekend  bool      `json:"is_weekend"`
	BucketIdx  int       `json:"bucket_idx"`
	FromRoomID string    `json:"from_room_id"`
	ToRoomID   string    `json:"to_room_id"`
	PSmoothed  float64   `json:"p_smoothed"`
	TransCount int       `json:"trans_count"`
	FromTotal  int       `json:"from_total"`
	Alpha      float64   `json:"alpha"`
}
