package models

import (
	"strconv"
	"strings"
	"time"
)

// Event categories recognized by the pipeline.
const (
	CategoryMotion     = "motion"
	CategoryPresence   = "presence"
	CategoryDoor       = "door"
	CategoryHeartbeat  = "heartbeat"
	CategoryHASnapshot = "ha_snapshot"
)

// ValidCategory reports whether the ingress category is one we accept.
func ValidCategory(c string) bool {
	switch c {
	case CategoryMotion, CategoryPresence, CategoryDoor, CategoryHeartbeat, CategoryHASnapshot:
		return true
	}
	return false
}

// Payload is the semi-structured event body. Recognized keys: room, area,
// entity_id, state, door.
type Payload map[string]any

func (p Payload) stringField(key string) string {
	if p == nil {
		return ""
	}
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Room returns the room, falling back to area.
func (p Payload) Room() string {
	if room := p.stringField("room"); room != "" {
		return room
	}
	return p.stringField("area")
}

// EntityID returns the reporting sensor id, if present.
func (p Payload) EntityID() string {
	return p.stringField("entity_id")
}

// State returns the state value as a string. Sensors are not consistent
// here: booleans and numbers show up alongside plain strings, so all three
// are normalized to their textual form.
func (p Payload) State() string {
	if p == nil {
		return ""
	}
	switch v := p["state"].(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// Door returns the door designator (e.g. "front"), falling back to name.
func (p Payload) Door() string {
	if d := p.stringField("door"); d != "" {
		return d
	}
	return p.stringField("name")
}

// RawEvent is one timestamped sensor reading.
type RawEvent struct {
	Seq       int64     `json:"seq"` // monotonic tie-break within equal timestamps
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Payload   Payload   `json:"payload"`
}

// IsPresenceOn reports an occupied-style presence reading.
func (e RawEvent) IsPresenceOn() bool {
	if e.Category != CategoryPresence {
		return false
	}
	switch strings.ToLower(e.Payload.State()) {
	case "on", "true", "1", "home", "occupied":
		return true
	}
	return false
}

// IsPresenceOff reports a cleared-style presence reading.
func (e RawEvent) IsPresenceOff() bool {
	if e.Category != CategoryPresence {
		return false
	}
	switch strings.ToLower(e.Payload.State()) {
	case "off", "false", "0", "away", "clear", "not_occupied":
		return true
	}
	return false
}

// IsMotion reports a motion reading.
func (e RawEvent) IsMotion() bool {
	return e.Category == CategoryMotion
}

// IsDoor reports a door reading.
func (e RawEvent) IsDoor() bool {
	return e.Category == CategoryDoor
}
