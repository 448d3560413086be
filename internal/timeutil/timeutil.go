package timeutil

import (
	"time"
	_ "time/tzdata" // the bucket zone must resolve even on hosts without tzdata

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
)

// BucketMinutes is the analytic bucket width.
const BucketMinutes = 15

// DefaultZone is the local zone used for night/morning windowing unless
// configured otherwise.
const DefaultZone = "Europe/Oslo"

// LoadZone resolves a zone name, falling back to the default when empty.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, pipeerrors.BadInputf("load_zone", "unknown timezone %q: %v", name, err)
	}
	return loc, nil
}

// ParseInstant parses an externally supplied timestamp. The value must carry
// an explicit UTC offset (ISO 8601, e.g. 2025-01-01T00:00:00Z); anything else
// fails with BadTime. The result is normalized to UTC.
func ParseInstant(op, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, pipeerrors.BadTimef(op, "timestamp %q must be timezone-aware UTC (ISO 8601, e.g. 2025-01-01T00:00:00Z)", value)
	}
	return t.UTC(), nil
}

// RequireInstant rejects the zero time and normalizes to UTC.
func RequireInstant(op string, t time.Time) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, pipeerrors.BadTimef(op, "timestamp is required and must be timezone-aware UTC")
	}
	return t.UTC(), nil
}

// UnixMicros converts an instant to storage form (microseconds since epoch).
func UnixMicros(t time.Time) int64 {
	return t.UnixMicro()
}

// FromUnixMicros converts storage form back to a UTC instant.
func FromUnixMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// BucketStart floors t to its 15-minute bucket boundary in the given local
// zone and returns the boundary as a UTC instant.
func BucketStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	floored := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), (lt.Minute()/BucketMinutes)*BucketMinutes, 0, 0, loc)
	return floored.UTC()
}

// BucketEnd returns the exclusive end of the bucket starting at bucketStart.
func BucketEnd(bucketStart time.Time) time.Time {
	return bucketStart.Add(BucketMinutes * time.Minute)
}

// LastFinishedBucket returns the start of the most recent bucket that has
// fully elapsed: floor(now, 15m in local time) minus one bucket.
func LastFinishedBucket(now time.Time, loc *time.Location) time.Time {
	return BucketStart(now, loc).Add(-BucketMinutes * time.Minute)
}

// BucketIdx is the bucket's index within its UTC day, 0..95.
func BucketIdx(t time.Time) int {
	u := t.UTC()
	return (u.Hour()*60 + u.Minute()) / BucketMinutes
}

// Dow is the day-of-week of the UTC instant, Monday=0 .. Sunday=6.
func Dow(t time.Time) int {
	wd := int(t.UTC().Weekday()) // Sunday=0
	return (wd + 6) % 7
}

// ISOWeekday is Monday=1 .. Sunday=7 on the UTC instant.
func ISOWeekday(t time.Time) int {
	return Dow(t) + 1
}

// IsWeekend reports whether a Monday=0 day-of-week falls on Sat/Sun.
func IsWeekend(dow int) bool {
	return dow >= 5
}

// TODBucket labels the UTC hour: night < 7, morning < 12, day < 18, else evening.
func TODBucket(t time.Time) string {
	switch h := t.UTC().Hour(); {
	case h < 7:
		return "night"
	case h < 12:
		return "morning"
	case h < 18:
		return "day"
	default:
		return "evening"
	}
}

// NightWindow returns [22:00 previous local day, 07:00 current local day] as
// UTC instants, relative to now.
func NightWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	lt := now.In(loc)
	today := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	start := today.AddDate(0, 0, -1).Add(22 * time.Hour)
	end := today.Add(7 * time.Hour)
	return start.UTC(), end.UTC()
}

// MorningWindow returns [05:00, 12:00] of the current local day as UTC instants.
func MorningWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	lt := now.In(loc)
	today := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return today.Add(5 * time.Hour).UTC(), today.Add(12 * time.Hour).UTC()
}

// LocalDate renders the local calendar date of t as YYYY-MM-DD.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// NightDate assigns an instant to its "night": local hours before 06:00
// belong to the previous calendar date.
func NightDate(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	if lt.Hour() < 6 {
		lt = lt.AddDate(0, 0, -1)
	}
	return lt.Format("2006-01-02")
}

// InLocalClockWindow reports whether t's local clock time falls inside
// [start, end) given as "HH:MM:SS" strings; a window with start > end crosses
// midnight.
func InLocalClockWindow(t time.Time, loc *time.Location, start, end string) bool {
	lt := t.In(loc)
	clock := lt.Format("15:04:05")
	if start > end {
		return clock >= start || clock < end
	}
	return clock >= start && clock < end
}
