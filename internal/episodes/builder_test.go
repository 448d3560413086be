package episodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agingos/agingos-go-rewrite/internal/models"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func motionEvent(id, room string, ts time.Time) *models.RawEvent {
	return &models.RawEvent{
		ID: id, Timestamp: ts, Category: models.CategoryMotion,
		Payload: models.Payload{"room": room, "entity_id": "motion." + room},
	}
}

func presenceEvent(id, room, state string, ts time.Time) *models.RawEvent {
	return &models.RawEvent{
		ID: id, Timestamp: ts, Category: models.CategoryPresence,
		Payload: models.Payload{"room": room, "entity_id": "presence." + room, "state": state},
	}
}

func doorEvent(id, room string, ts time.Time) *models.RawEvent {
	return &models.RawEvent{
		ID: id, Timestamp: ts, Category: models.CategoryDoor,
		Payload: models.Payload{"room": room, "entity_id": "door." + room, "state": "open"},
	}
}

func build(evs ...*models.RawEvent) []*models.Episode {
	b := NewBuilder()
	for _, ev := range evs {
		b.Observe(ev)
	}
	return b.Flush()
}

func TestPresenceEpisodeClosedByOff(t *testing.T) {
	eps := build(
		presenceEvent("e1", "stue", "on", t0),
		motionEvent("e2", "stue", t0.Add(30*time.Second)),
		presenceEvent("e3", "stue", "off", t0.Add(60*time.Second)),
	)
	require.Len(t, eps, 1)

	ep := eps[0]
	assert.Equal(t, "stue", ep.Room)
	assert.Equal(t, models.CloseOffEvent, ep.CloseReason)
	assert.Equal(t, models.QualityHigh, ep.Quality)
	assert.Empty(t, ep.QualityFlags)
	assert.Equal(t, t0, ep.StartTS)
	assert.Equal(t, t0.Add(60*time.Second), ep.EndTS)
	assert.Equal(t, 60, ep.DurationS)
	assert.Equal(t, 3, ep.Total)
	assert.Equal(t, 1, ep.Motion)
	assert.Equal(t, 1, ep.PresenceOn)
	assert.Equal(t, 1, ep.PresenceOff)
	assert.Equal(t, 180, ep.TimeoutS)
	assert.Equal(t, "presence.stue", ep.PrimarySensor)
	assert.Equal(t, []string{"presence.stue", "motion.stue"}, ep.SensorSet)
	assert.Equal(t, "e1", ep.FirstEventID)
	assert.Equal(t, "e3", ep.LastEventID)
	assert.Equal(t, "morning", ep.TodBucket)
	assert.Equal(t, 3, ep.Weekday) // 2025-01-01 is a Wednesday
}

func TestMotionOnlyTimeoutSplitsEpisodes(t *testing.T) {
	eps := build(
		motionEvent("e1", "stue", t0),
		motionEvent("e2", "stue", t0.Add(30*time.Second)),
		motionEvent("e3", "stue", t0.Add(200*time.Second)),
	)
	require.Len(t, eps, 2)

	first := eps[0]
	assert.Equal(t, models.CloseTimeout, first.CloseReason)
	assert.Equal(t, models.QualityLow, first.Quality)
	assert.Equal(t, []string{"missing_off"}, first.QualityFlags)
	assert.Equal(t, 90, first.TimeoutS)
	// Closed at last activity plus the inactivity timeout.
	assert.Equal(t, t0.Add(120*time.Second), first.EndTS)
	assert.Equal(t, 120, first.DurationS)
	assert.Equal(t, 2, first.Total)

	second := eps[1]
	assert.Equal(t, t0.Add(200*time.Second), second.StartTS)
	assert.Equal(t, 1, second.Total)
	assert.Equal(t, models.CloseTimeout, second.CloseReason)
	assert.Equal(t, t0.Add(290*time.Second), second.EndTS)
}

func TestPresenceGetsLongerTimeout(t *testing.T) {
	eps := build(
		presenceEvent("e1", "stue", "on", t0),
		motionEvent("e2", "stue", t0.Add(60*time.Second)),
		// 240s after the last activity: inside 90s would have closed a
		// motion-only episode, but presence holds for 180s.
		motionEvent("e3", "stue", t0.Add(300*time.Second)),
	)
	require.Len(t, eps, 2)
	assert.Equal(t, 180, eps[0].TimeoutS)
	assert.Equal(t, t0.Add(240*time.Second), eps[0].EndTS)
}

func TestOffWithoutOnDoesNotClose(t *testing.T) {
	eps := build(
		motionEvent("e1", "stue", t0),
		presenceEvent("e2", "stue", "off", t0.Add(10*time.Second)),
	)
	require.Len(t, eps, 1)

	ep := eps[0]
	assert.Equal(t, models.CloseTimeout, ep.CloseReason)
	assert.Equal(t, 2, ep.Total)
	assert.Equal(t, 1, ep.PresenceOff)
	// The stray off is counted but is not activity: the clock runs from e1.
	assert.Equal(t, t0.Add(90*time.Second), ep.EndTS)
}

func TestDoorDuringMarksContextNotActivity(t *testing.T) {
	eps := build(
		motionEvent("e1", "stue", t0),
		doorEvent("e2", "stue", t0.Add(30*time.Second)),
	)
	require.Len(t, eps, 1)

	ep := eps[0]
	assert.True(t, ep.DoorDuring)
	assert.Equal(t, 2, ep.Total)
	// Door did not move the inactivity clock.
	assert.Equal(t, t0.Add(90*time.Second), ep.EndTS)
	assert.Contains(t, ep.SensorSet, "door.stue")
}

func TestDoorContextBeforeAndAfter(t *testing.T) {
	eps := build(
		doorEvent("d1", "stue", t0.Add(-30*time.Second)),
		motionEvent("e1", "stue", t0),
		doorEvent("d2", "stue", t0.Add(120*time.Second)),
	)
	require.Len(t, eps, 1)

	ep := eps[0]
	assert.Equal(t, t0.Add(90*time.Second), ep.EndTS)
	require.NotNil(t, ep.DoorBeforeS)
	assert.Equal(t, 30, *ep.DoorBeforeS)
	require.NotNil(t, ep.DoorAfterS)
	assert.Equal(t, 30, *ep.DoorAfterS)
	assert.False(t, ep.DoorDuring)
}

func TestDoorContextOutsideWindowIgnored(t *testing.T) {
	eps := build(
		doorEvent("d1", "stue", t0.Add(-61*time.Second)),
		motionEvent("e1", "stue", t0),
	)
	require.Len(t, eps, 1)
	assert.Nil(t, eps[0].DoorBeforeS)
}

func TestNearestDoorWins(t *testing.T) {
	eps := build(
		doorEvent("d1", "stue", t0.Add(-50*time.Second)),
		doorEvent("d2", "stue", t0.Add(-10*time.Second)),
		motionEvent("e1", "stue", t0),
	)
	require.Len(t, eps, 1)
	require.NotNil(t, eps[0].DoorBeforeS)
	assert.Equal(t, 10, *eps[0].DoorBeforeS)
}

func TestRoomsAreIndependent(t *testing.T) {
	eps := build(
		motionEvent("e1", "stue", t0),
		motionEvent("e2", "bad", t0.Add(10*time.Second)),
		motionEvent("e3", "stue", t0.Add(20*time.Second)),
		// A long-gap event in stue closes stue only; bad stays open until
		// flush because nothing else arrives for it.
		motionEvent("e4", "stue", t0.Add(300*time.Second)),
	)
	require.Len(t, eps, 3)

	rooms := map[string]int{}
	for _, ep := range eps {
		rooms[ep.Room]++
	}
	assert.Equal(t, 2, rooms["stue"])
	assert.Equal(t, 1, rooms["bad"])
}

func TestEventsWithoutRoomIgnored(t *testing.T) {
	eps := build(
		&models.RawEvent{ID: "e1", Timestamp: t0, Category: models.CategoryMotion, Payload: models.Payload{}},
	)
	assert.Empty(t, eps)
}

func TestDoorAloneStartsNothing(t *testing.T) {
	eps := build(doorEvent("d1", "stue", t0))
	assert.Empty(t, eps)
}

func TestPrimarySensorFallsBackToCategory(t *testing.T) {
	eps := build(&models.RawEvent{
		ID: "e1", Timestamp: t0, Category: models.CategoryMotion,
		Payload: models.Payload{"room": "stue"},
	})
	require.Len(t, eps, 1)
	assert.Equal(t, "motion", eps[0].PrimarySensor)
	assert.Equal(t, []string{"motion"}, eps[0].SensorSet)
}

func TestEventRatePerMin(t *testing.T) {
	eps := build(
		motionEvent("e1", "stue", t0),
		motionEvent("e2", "stue", t0.Add(30*time.Second)),
	)
	require.Len(t, eps, 1)
	// 2 events over 120s (close at last activity + 90s).
	assert.InDelta(t, 1.0, eps[0].EventRatePerMin, 1e-9)
}
