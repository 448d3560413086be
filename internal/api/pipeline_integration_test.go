package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agingos/agingos-go-rewrite/internal/episodes"
	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// ingestEvent pushes one sensor event through the HTTP ingress, the same way
// the home bridge delivers them.
func (env *testEnv) ingestEvent(t *testing.T, id string, ts time.Time, category string, payload map[string]any) {
	t.Helper()

	var resp struct {
		ID      string `json:"id"`
		Deduped bool   `json:"deduped"`
	}
	status := env.doJSON(t, http.MethodPost, "/event", map[string]any{
		"id":        id,
		"timestamp": ts.Format(time.RFC3339),
		"category":  category,
		"payload":   payload,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, resp.ID)
	require.False(t, resp.Deduped)
}

type deviationListBody struct {
	Deviations []models.DeviationRecord `json:"deviations"`
	Count      int                      `json:"count"`
}

type persistSummaryBody struct {
	SubjectKey string   `json:"subject_key"`
	Evaluated  []string `json:"evaluated"`
	Deviations int      `json:"deviations"`
	Result     struct {
		Created  int `json:"created"`
		Updated  int `json:"updated"`
		Reopened int `json:"reopened"`
	} `json:"result"`
}

func persistPath(since, until time.Time) string {
	return "/deviations/persist?since=" + since.Format(time.RFC3339) +
		"&until=" + until.Format(time.RFC3339)
}

// A night with no registered movement: the preview endpoint computes the
// no-motion finding, the persisting pass stores it once, and a re-run of the
// same window re-sights the stored record instead of duplicating it.
func TestQuietWindowFlowsFromPreviewToStore(t *testing.T) {
	env := newTestEnv(t, nil)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)

	var preview struct {
		Deviations []models.Deviation `json:"deviations"`
	}
	status := env.doJSON(t, http.MethodGet,
		"/deviations/evaluate?since=2025-01-01T00:00:00Z&until=2025-01-01T01:00:00Z", nil, &preview)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, preview.Deviations, 1)
	assert.Equal(t, "R-001", preview.Deviations[0].RuleID)

	var sum persistSummaryBody
	status = env.doJSON(t, http.MethodPost, persistPath(since, until), nil, &sum)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "default", sum.SubjectKey)
	assert.Equal(t, 1, sum.Deviations)
	assert.Equal(t, 1, sum.Result.Created)
	assert.Len(t, sum.Evaluated, 3)

	var list deviationListBody
	status = env.doJSON(t, http.MethodGet, "/deviations", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)

	rec := list.Deviations[0]
	assert.Equal(t, "R-001", rec.RuleID)
	assert.Equal(t, models.SeverityMedium, rec.Severity)
	assert.Equal(t, models.DeviationOpen, rec.Status)
	assert.True(t, rec.Window.Since.Equal(since), "window since %s", rec.Window.Since)
	assert.True(t, rec.Window.Until.Equal(until), "window until %s", rec.Window.Until)

	status = env.doJSON(t, http.MethodPost, persistPath(since, until), nil, &sum)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, sum.Result.Updated)

	status = env.doJSON(t, http.MethodGet, "/deviations", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, list.Count, "re-sighting must not add a second record")
}

// A door opens at 02:00 while motion elsewhere keeps the no-motion rule
// quiet: exactly one HIGH finding with the door event as evidence.
func TestNightDoorOpeningEscalatesHigh(t *testing.T) {
	env := newTestEnv(t, nil)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(3 * time.Hour)

	// Not the front door, so only the night-window rule can react to it.
	env.ingestEvent(t, "evt-door-night", since.Add(2*time.Hour), models.CategoryDoor,
		map[string]any{"room": "gang", "door": "terrasse", "state": "open"})
	env.ingestEvent(t, "evt-motion-0230", since.Add(2*time.Hour+30*time.Minute), models.CategoryMotion,
		map[string]any{"room": "stue", "state": "on"})

	var sum persistSummaryBody
	status := env.doJSON(t, http.MethodPost, persistPath(since, until), nil, &sum)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, sum.Deviations)

	var list deviationListBody
	status = env.doJSON(t, http.MethodGet, "/deviations", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)

	rec := list.Deviations[0]
	assert.Equal(t, "R-002", rec.RuleID)
	assert.Equal(t, models.SeverityHigh, rec.Severity)
	assert.Contains(t, rec.Evidence, "evt-door-night")
}

// The front door opens mid-morning and no motion follows within the
// follow-up window: one MEDIUM finding pointing at the door event.
func TestFrontDoorWithoutFollowupMotionFlags(t *testing.T) {
	env := newTestEnv(t, nil)

	since := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	until := since.Add(2 * time.Hour)

	// Earlier motion keeps R-001 quiet but sits outside the follow-up window.
	env.ingestEvent(t, "evt-motion-0930", since.Add(30*time.Minute), models.CategoryMotion,
		map[string]any{"room": "stue", "state": "on"})
	env.ingestEvent(t, "evt-front-door", since.Add(time.Hour), models.CategoryDoor,
		map[string]any{"room": "gang", "door": "front", "state": "open"})

	var sum persistSummaryBody
	status := env.doJSON(t, http.MethodPost, persistPath(since, until), nil, &sum)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, sum.Deviations)

	var list deviationListBody
	status = env.doJSON(t, http.MethodGet, "/deviations", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)

	rec := list.Deviations[0]
	assert.Equal(t, "R-003", rec.RuleID)
	assert.Equal(t, models.SeverityMedium, rec.Severity)
	assert.Contains(t, rec.Evidence, "evt-front-door")
	assert.NotEmpty(t, rec.Explanation)
}

// An 8 second presence blip with no door traffic rebuilds into a pet
// episode: two on/off readings at that duration give a high event rate and
// no human signals.
func TestPresenceBlipRebuildsAsPetEpisode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	env.ingestEvent(t, "evt-blip-on", start, models.CategoryPresence,
		map[string]any{"room": "stue", "entity_id": "binary_sensor.stue_presence", "state": "on"})
	env.ingestEvent(t, "evt-blip-off", start.Add(8*time.Second), models.CategoryPresence,
		map[string]any{"room": "stue", "entity_id": "binary_sensor.stue_presence", "state": "off"})

	sum, err := env.episodes.Rebuild(ctx, start.Add(-time.Minute), start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Events)
	require.Equal(t, 1, sum.Built)
	assert.Equal(t, 1, sum.Inserted)

	eps, err := env.epStore.List(ctx, episodes.ListOptions{Room: "stue"})
	require.NoError(t, err)
	require.Len(t, eps, 1)

	ep := eps[0]
	assert.Equal(t, models.ClassPet, ep.Class)
	assert.Equal(t, models.CloseOffEvent, ep.CloseReason)
	assert.Equal(t, 8, ep.DurationS)
	assert.Equal(t, "evt-blip-on", ep.FirstEventID)
	assert.Equal(t, "evt-blip-off", ep.LastEventID)
	assert.Greater(t, ep.PPet, ep.PUnknown)
	assert.InDelta(t, 1.0, ep.PHuman+ep.PPet+ep.PUnknown, 1e-9)

	codes := make([]string, 0, len(ep.Reasons))
	for _, r := range ep.Reasons {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, "PRESENCE_BLIP_VERY_SHORT_NO_DOOR")
}

// A caregiver puts a proposal under test, nobody touches it for over a week,
// and the expiry sweep hands it back to NEW with a full audit trail.
func TestTestedProposalFallsBackToNewAfterWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	p := env.seedProposal(t, "u1", "night_activity:all", now.Add(-time.Hour))

	var tested models.Proposal
	status := env.doJSON(t, http.MethodPost, "/proposals/"+p.ProposalID+"/test",
		map[string]string{"actor": "nurse-1", "source": "ui"}, &tested)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, models.ProposalTesting, tested.State)
	require.NotNil(t, tested.TestUntil)

	n, err := env.proposals.ExpireTests(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var list proposalListResponse
	status = env.doJSON(t, http.MethodGet, "/proposals?state=NEW", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)

	expired := list.Proposals[0]
	assert.Equal(t, p.ProposalID, expired.ProposalID)
	assert.Nil(t, expired.TestUntil)

	require.Len(t, expired.Actions, 2)
	back, test := expired.Actions[0], expired.Actions[1]

	assert.Equal(t, models.ProposalActionAutoExpireTest, back.Action)
	assert.Equal(t, models.ProposalTesting, back.PrevState)
	assert.Equal(t, models.ProposalNew, back.NewState)
	assert.Equal(t, "system", back.Source)
	assert.Equal(t, "test expired -> NEW", back.Note)

	assert.Equal(t, models.ProposalActionTest, test.Action)
	assert.Equal(t, models.ProposalNew, test.PrevState)
	assert.Equal(t, models.ProposalTesting, test.NewState)
	assert.Equal(t, "nurse-1", test.Actor)
}
