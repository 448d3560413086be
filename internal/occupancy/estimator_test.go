package occupancy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agingos/agingos-go-rewrite/internal/models"
)

var replayStart = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func presence(ts time.Time, entity, room, state string) *models.RawEvent {
	return &models.RawEvent{
		ID:        fmt.Sprintf("p-%s-%d", entity, ts.Unix()),
		Timestamp: ts,
		Category:  models.CategoryPresence,
		Payload:   models.Payload{"entity_id": entity, "room": room, "state": state},
	}
}

func frontDoor(ts time.Time, state string) *models.RawEvent {
	return &models.RawEvent{
		ID:        fmt.Sprintf("d-%d", ts.UnixMicro()),
		Timestamp: ts,
		Category:  models.CategoryDoor,
		Payload:   models.Payload{"door": "front", "state": state},
	}
}

func TestEstimateStrongPresenceMeansHome(t *testing.T) {
	est := NewEstimator(Params{})
	at := replayStart.Add(30 * time.Minute)

	out := est.Estimate([]*models.RawEvent{presence(at, "bed-1", "soverom", "on")}, replayStart.Add(time.Hour))

	assert.Equal(t, models.OccupancyHome, out.State)
	assert.Equal(t, []string{"soverom"}, out.StrongRoomsOn)
	require.NotNil(t, out.Since)
	assert.True(t, at.Equal(*out.Since))
	require.NotNil(t, out.LastStrongPresenceAt)
	assert.True(t, at.Equal(*out.LastStrongPresenceAt))
}

func TestEstimateEmptyWindowIsUnknown(t *testing.T) {
	est := NewEstimator(Params{})

	out := est.Estimate(nil, replayStart)

	assert.Equal(t, models.OccupancyUnknown, out.State)
	assert.Nil(t, out.Since)
	assert.Empty(t, out.StrongRoomsOn)
	assert.Zero(t, out.EventsSeen)
}

func TestEstimateExitSequenceTurnsAway(t *testing.T) {
	est := NewEstimator(Params{})
	evs := []*models.RawEvent{
		presence(replayStart, "bed-1", "soverom", "on"),
		presence(replayStart.Add(20*time.Minute), "bed-1", "soverom", "off"),
		frontDoor(replayStart.Add(2*time.Hour), "open"),
		frontDoor(replayStart.Add(2*time.Hour+30*time.Second), "closed"),
	}
	exitClose := replayStart.Add(2*time.Hour + 30*time.Second)

	// Inside the quiet hour the last decision still stands.
	out := est.Estimate(evs, exitClose.Add(30*time.Minute))
	assert.Equal(t, models.OccupancyHome, out.State)

	// Past the quiet hour the completed exit wins, dated to the close.
	out = est.Estimate(evs, exitClose.Add(61*time.Minute))
	assert.Equal(t, models.OccupancyAway, out.State)
	require.NotNil(t, out.Since)
	assert.True(t, exitClose.Equal(*out.Since))
	require.NotNil(t, out.LastExitCloseAt)
	assert.True(t, exitClose.Equal(*out.LastExitCloseAt))
}

func TestEstimateSlowCloseIsNotAnExit(t *testing.T) {
	est := NewEstimator(Params{})
	evs := []*models.RawEvent{
		frontDoor(replayStart, "open"),
		frontDoor(replayStart.Add(5*time.Minute), "closed"),
	}

	out := est.Estimate(evs, replayStart.Add(3*time.Hour))

	assert.Equal(t, models.OccupancyUnknown, out.State)
	assert.Nil(t, out.LastExitCloseAt)
}

func TestEstimateStrongPresenceAfterExitBlocksAway(t *testing.T) {
	est := NewEstimator(Params{})
	evs := []*models.RawEvent{
		frontDoor(replayStart, "open"),
		frontDoor(replayStart.Add(time.Minute), "closed"),
		// Someone is still moving around inside after the door closed.
		presence(replayStart.Add(10*time.Minute), "kitchen-1", "kjøkken", "on"),
		presence(replayStart.Add(12*time.Minute), "kitchen-1", "kjøkken", "off"),
	}

	out := est.Estimate(evs, replayStart.Add(3*time.Hour))

	assert.Equal(t, models.OccupancyHome, out.State)
}

func TestEstimateLingeringPresenceBlocksAway(t *testing.T) {
	est := NewEstimator(Params{})
	evs := []*models.RawEvent{
		// The bedroom sensor never reported off, so its on persists.
		presence(replayStart, "bed-1", "soverom", "on"),
		frontDoor(replayStart.Add(time.Hour), "open"),
		frontDoor(replayStart.Add(time.Hour+time.Minute), "closed"),
	}

	out := est.Estimate(evs, replayStart.Add(4*time.Hour))

	assert.Equal(t, models.OccupancyHome, out.State)
	assert.Equal(t, []string{"soverom"}, out.StrongRoomsOn)
}

func TestEstimateEntrySequenceEndsAway(t *testing.T) {
	est := NewEstimator(Params{})
	exitOpen := replayStart.Add(time.Hour)
	entryOpen := replayStart.Add(5 * time.Hour)
	entryPresence := entryOpen.Add(3 * time.Minute)
	evs := []*models.RawEvent{
		presence(replayStart, "bed-1", "soverom", "on"),
		presence(replayStart.Add(20*time.Minute), "bed-1", "soverom", "off"),
		frontDoor(exitOpen, "open"),
		frontDoor(exitOpen.Add(time.Minute), "closed"),
		frontDoor(entryOpen, "open"),
		presence(entryPresence, "hall-1", "gang", "on"),
	}

	out := est.Estimate(evs, entryOpen.Add(time.Hour))

	assert.Equal(t, models.OccupancyHome, out.State)
	require.NotNil(t, out.Since)
	assert.True(t, entryPresence.Equal(*out.Since))
	// The consumed exit no longer arms the away rule.
	assert.Nil(t, out.LastExitCloseAt)
}

func TestEstimateLatePrimaryPresenceKeepsAway(t *testing.T) {
	est := NewEstimator(Params{})
	exitOpen := replayStart.Add(time.Hour)
	entryOpen := replayStart.Add(5 * time.Hour)
	evs := []*models.RawEvent{
		frontDoor(exitOpen, "open"),
		frontDoor(exitOpen.Add(time.Minute), "closed"),
		frontDoor(entryOpen, "open"),
		// Ten minutes is past the entry window; a hallway blip alone
		// does not end the absence.
		presence(entryOpen.Add(10*time.Minute), "hall-1", "gang", "on"),
	}

	out := est.Estimate(evs, entryOpen.Add(time.Hour))

	assert.Equal(t, models.OccupancyAway, out.State)
}

func TestEstimateIgnoresOtherDoors(t *testing.T) {
	est := NewEstimator(Params{})
	evs := []*models.RawEvent{
		{
			ID:        "d-terrace",
			Timestamp: replayStart,
			Category:  models.CategoryDoor,
			Payload:   models.Payload{"door": "terrace", "state": "open"},
		},
		{
			ID:        "d-terrace-2",
			Timestamp: replayStart.Add(30 * time.Second),
			Category:  models.CategoryDoor,
			Payload:   models.Payload{"door": "terrace", "state": "closed"},
		},
	}

	out := est.Estimate(evs, replayStart.Add(2*time.Hour))

	assert.Equal(t, models.OccupancyUnknown, out.State)
	assert.Zero(t, out.EventsSeen)
}

func TestLiveness(t *testing.T) {
	now := replayStart.Add(time.Hour)
	beat := func(ts time.Time) *models.RawEvent {
		return &models.RawEvent{
			ID:        fmt.Sprintf("hb-%d", ts.Unix()),
			Timestamp: ts,
			Category:  models.CategoryHeartbeat,
			Payload:   models.Payload{},
		}
	}

	live, last := Liveness([]*models.RawEvent{beat(now.Add(-5 * time.Minute))}, now, 10*time.Minute)
	assert.True(t, live)
	require.NotNil(t, last)
	assert.True(t, now.Add(-5*time.Minute).Equal(*last))

	live, last = Liveness([]*models.RawEvent{beat(now.Add(-25 * time.Minute))}, now, 10*time.Minute)
	assert.False(t, live)
	require.NotNil(t, last)

	live, last = Liveness(nil, now, 10*time.Minute)
	assert.False(t, live)
	assert.Nil(t, last)
}
