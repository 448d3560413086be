package models

import "time"

// Deviation severities.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Deviation record statuses.
const (
	DeviationOpen   = "OPEN"
	DeviationAck    = "ACK"
	DeviationClosed = "CLOSED"
)

// ValidDeviationStatus reports whether s is a known lifecycle status.
func ValidDeviationStatus(s string) bool {
	switch s {
	case DeviationOpen, DeviationAck, DeviationClosed:
		return true
	}
	return false
}

// Window is a half-open evaluation interval [Since, Until).
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Deviation is the computed (v1) finding produced by a rule evaluator.
type Deviation struct {
	DeviationID string    `json:"deviation_id"`
	RuleID      string    `json:"rule_id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Explanation string    `json:"explanation"`
	Evidence    []string  `json:"evidence"`
	Window      Window    `json:"window"`
}

// DeviationRecord is the persisted form with lifecycle fields.
//
// MonitorMode carries the scheduler's monitor-mode tag; when set it is encoded
// into the stored evidence document as `_monitor_mode` so the UI can suppress
// alerts from rules under TEST.
type DeviationRecord struct {
	DeviationID  string     `json:"deviation_id"`
	DeviationKey string     `json:"deviation_key"` // rule_id:subject_key
	RuleID       string     `json:"rule_id"`
	SubjectKey   string     `json:"subject_key"`
	Status       string     `json:"status"`
	Severity     string     `json:"severity"`
	Title        string     `json:"title"`
	Explanation  string     `json:"explanation"`
	Evidence     []string   `json:"evidence"`
	MonitorMode  string     `json:"monitor_mode,omitempty"`
	Window       Window     `json:"window"`
	FirstSeenAt  time.Time  `json:"first_seen_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	ClosedAt     *time.Time `json:"closed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
