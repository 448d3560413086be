package models

import "time"

// Monitor modes gate a rule's deviations.
const (
	ModeOff  = "OFF"
	ModeTest = "TEST"
	ModeOn   = "ON"
)

// GlobalRoom is the room wildcard for a monitor-mode row.
const GlobalRoom = "__GLOBAL__"

// ValidMonitorMode reports whether m is a known mode.
func ValidMonitorMode(m string) bool {
	switch m {
	case ModeOff, ModeTest, ModeOn:
		return true
	}
	return false
}

// MonitorModeRow gates (monitor_key, room) pairs; RoomID may be a wildcard
// pattern or GlobalRoom.
type MonitorModeRow struct {
	MonitorKey string    `json:"monitor_key"`
	RoomID     string    `json:"room_id"`
	Mode       string    `json:"mode"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobStatusRow records the most recent outcome of a scheduler job.
type JobStatusRow struct {
	JobKey       string         `json:"job_key"`
	LastRunAt    time.Time      `json:"last_run_at"`
	LastOkAt     *time.Time     `json:"last_ok_at"`
	LastErrorAt  *time.Time     `json:"last_error_at"`
	LastErrorMsg string         `json:"last_error_msg,omitempty"`
	LastPayload  map[string]any `json:"last_payload,omitempty"`
}
