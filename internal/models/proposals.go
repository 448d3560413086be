package models

import "time"

// Proposal states.
const (
	ProposalNew      = "NEW"
	ProposalTesting  = "TESTING"
	ProposalActive   = "ACTIVE"
	ProposalRejected = "REJECTED"
)

// ValidProposalState reports whether s is a known lifecycle state.
func ValidProposalState(s string) bool {
	switch s {
	case ProposalNew, ProposalTesting, ProposalActive, ProposalRejected:
		return true
	}
	return false
}

// Proposal lifecycle actions.
const (
	ProposalActionTest           = "TEST"
	ProposalActionActivate       = "ACTIVATE"
	ProposalActionReject         = "REJECT"
	ProposalActionAutoExpireTest = "AUTO_EXPIRE_TEST"
)

// Proposal types emitted by the miner.
const (
	ProposalNightActivityEarly    = "NIGHT_ACTIVITY_EARLY_SIGNAL_1_OF_7"
	ProposalDoorAnomalyBurst      = "DOOR_ANOMALY_BURST_3_OF_14"
	ProposalMVPBootstrapAnyL2     = "MVP_BOOTSTRAP_ANY_L2_1_OF_7"
	ProposalNightActivityFrequent = "NIGHT_ACTIVITY_FREQUENT_4_OF_7"
)

// WhyReason is a machine-readable justification with human text.
type WhyReason struct {
	ReasonCode string         `json:"reason_code"`
	Text       string         `json:"text"`
	Weight     float64        `json:"weight"`
	Data       map[string]any `json:"data,omitempty"`
}

// Proposal is a candidate behavioral rule derived from anomaly patterns.
type Proposal struct {
	ProposalID      string         `json:"proposal_id"`
	OrgID           string         `json:"org_id"`
	SubjectID       string         `json:"subject_id"`
	RoomID          string         `json:"room_id,omitempty"`
	ProposalType    string         `json:"proposal_type"`
	DedupeKey       string         `json:"dedupe_key"`
	State           string         `json:"state"`
	Priority        int            `json:"priority"`
	Evidence        map[string]any `json:"evidence"`
	Why             []WhyReason    `json:"why"`
	ActionTarget    string         `json:"action_target"`
	ActionPayload   map[string]any `json:"action_payload,omitempty"`
	FirstDetectedAt time.Time      `json:"first_detected_at"`
	LastDetectedAt  time.Time      `json:"last_detected_at"`
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
	TestStartedAt   *time.Time     `json:"test_started_at"`
	TestUntil       *time.Time     `json:"test_until"`
	ActivatedAt     *time.Time     `json:"activated_at"`
	RejectedAt      *time.Time     `json:"rejected_at"`
	LastActor       string         `json:"last_actor,omitempty"`
	LastSource      string         `json:"last_source"`
	LastNote        string         `json:"last_note,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	// Recent audit entries, populated on read for the API.
	Actions []ProposalAction `json:"actions,omitempty"`
}

// ProposalAction is one audit entry for a lifecycle transition.
type ProposalAction struct {
	ActionID   string         `json:"action_id"`
	ProposalID string         `json:"proposal_id"`
	Action     string         `json:"action"`
	PrevState  string         `json:"prev_state"`
	NewState   string         `json:"new_state"`
	Actor      string         `json:"actor,omitempty"`
	Source     string         `json:"source"`
	Note       string         `json:"note,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
