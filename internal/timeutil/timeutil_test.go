package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
)

func oslo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadZone("Europe/Oslo")
	require.NoError(t, err)
	return loc
}

func TestParseInstantRequiresOffset(t *testing.T) {
	got, err := ParseInstant("ingest", "2025-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseInstant("ingest", "2025-01-01T01:00:00+01:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseInstant("ingest", "2025-01-01T00:00:00")
	require.Error(t, err)
	assert.Equal(t, pipeerrors.KindBadTime, pipeerrors.KindOf(err))
}

func TestBucketStartAlignsInLocalTime(t *testing.T) {
	loc := oslo(t)

	// 10:07 Oslo (winter, UTC+1) floors to 10:00 Oslo = 09:00Z.
	in := time.Date(2025, 1, 1, 9, 7, 13, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), BucketStart(in, loc))

	// Summer time (UTC+2): 10:07 Oslo = 08:07Z floors to 08:00Z.
	in = time.Date(2025, 7, 1, 8, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC), BucketStart(in, loc))
}

func TestLastFinishedBucket(t *testing.T) {
	loc := oslo(t)

	now := time.Date(2025, 1, 1, 9, 7, 0, 0, time.UTC) // 10:07 Oslo
	got := LastFinishedBucket(now, loc)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 45, 0, 0, time.UTC), got)
}

func TestNightAndMorningWindows(t *testing.T) {
	loc := oslo(t)
	now := time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC) // midday Oslo

	start, end := NightWindow(now, loc)
	assert.Equal(t, time.Date(2024, 12, 31, 21, 0, 0, 0, time.UTC), start) // 22:00 Oslo prev day
	assert.Equal(t, time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC), end)      // 07:00 Oslo

	ms, me := MorningWindow(now, loc)
	assert.Equal(t, time.Date(2025, 1, 1, 4, 0, 0, 0, time.UTC), ms)
	assert.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), me)
}

func TestBucketIdxAndDow(t *testing.T) {
	// 2025-01-01 is a Wednesday.
	ts := time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, 2, BucketIdx(ts))
	assert.Equal(t, 2, Dow(ts))
	assert.Equal(t, 3, ISOWeekday(ts))
	assert.False(t, IsWeekend(Dow(ts)))

	sat := time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5, Dow(sat))
	assert.True(t, IsWeekend(Dow(sat)))
}

func TestTODBucket(t *testing.T) {
	assert.Equal(t, "night", TODBucket(time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)))
	assert.Equal(t, "morning", TODBucket(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "day", TODBucket(time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)))
	assert.Equal(t, "evening", TODBucket(time.Date(2025, 1, 1, 21, 0, 0, 0, time.UTC)))
}

func TestNightDateAssignsEarlyHoursToPreviousDay(t *testing.T) {
	loc := oslo(t)

	early := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC) // 04:00 Oslo
	assert.Equal(t, "2024-12-31", NightDate(early, loc))

	late := time.Date(2025, 1, 1, 22, 30, 0, 0, time.UTC) // 23:30 Oslo
	assert.Equal(t, "2025-01-01", NightDate(late, loc))
}

func TestInLocalClockWindowCrossingMidnight(t *testing.T) {
	loc := oslo(t)

	// 02:00Z on Jan 1 is 03:00 Oslo, inside 23:00-06:00.
	ev := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)
	assert.True(t, InLocalClockWindow(ev, loc, "23:00:00", "06:00:00"))

	// 12:00Z is 13:00 Oslo, outside.
	noon := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, InLocalClockWindow(noon, loc, "23:00:00", "06:00:00"))

	// Non-crossing window behaves as a plain range.
	assert.True(t, InLocalClockWindow(noon, loc, "09:00:00", "18:00:00"))
}

func TestUnixMicrosRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 4, 5, 123456000, time.UTC)
	assert.Equal(t, ts, FromUnixMicros(UnixMicros(ts)))
}
