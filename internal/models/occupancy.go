package models

// Occupancy states for the monitored home.
const (
	OccupancyHome    = "HOME"
	OccupancyAway    = "AWAY"
	OccupancyUnknown = "UNKNOWN"
)

// ValidOccupancyState reports whether s is a known occupancy state.
func ValidOccupancyState(s string) bool {
	switch s {
	case OccupancyHome, OccupancyAway, OccupancyUnknown:
		return true
	}
	return false
}
