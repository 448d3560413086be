package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agingos/agingos-go-rewrite/internal/models"
)

func TestListDeviationsDefaultsToOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	open := env.seedDeviation(t, "R-001", models.SeverityMedium, now)
	closed := env.seedDeviation(t, "R-002", models.SeverityHigh, now)
	_, err := env.deviations.SetStatus(context.Background(), closed.DeviationID, models.DeviationClosed, now)
	require.NoError(t, err)

	var list struct {
		Deviations []models.DeviationRecord `json:"deviations"`
		Count      int                      `json:"count"`
	}

	status := env.doJSON(t, http.MethodGet, "/deviations", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, open.DeviationID, list.Deviations[0].DeviationID)
	assert.Equal(t, models.DeviationOpen, list.Deviations[0].Status)

	status = env.doJSON(t, http.MethodGet, "/deviations?status=ALL", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, list.Count)

	status = env.doJSON(t, http.MethodGet, "/deviations?status=closed", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, closed.DeviationID, list.Deviations[0].DeviationID)

	var errBody errResponse
	status = env.doJSON(t, http.MethodGet, "/deviations?status=SNOOZED", nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_input", errBody.Error.Kind)
}

func TestUpdateDeviationStatusLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := env.seedDeviation(t, "R-001", models.SeverityMedium, now)

	var updated models.DeviationRecord
	status := env.doJSON(t, http.MethodPatch, "/deviations/"+rec.DeviationID,
		map[string]string{"status": "ACK"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.DeviationAck, updated.Status)
	assert.Nil(t, updated.ClosedAt)

	status = env.doJSON(t, http.MethodPatch, "/deviations/"+rec.DeviationID,
		map[string]string{"status": "CLOSED"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.DeviationClosed, updated.Status)
	require.NotNil(t, updated.ClosedAt)

	// Reopening clears the closed stamp.
	status = env.doJSON(t, http.MethodPatch, "/deviations/"+rec.DeviationID,
		map[string]string{"status": "open"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.DeviationOpen, updated.Status)
	assert.Nil(t, updated.ClosedAt)
}

func TestUpdateDeviationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := env.seedDeviation(t, "R-001", models.SeverityMedium, now)

	var errBody errResponse
	status := env.doJSON(t, http.MethodPatch, "/deviations/does-not-exist",
		map[string]string{"status": "ACK"}, &errBody)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errBody.Error.Kind)

	status = env.doJSON(t, http.MethodPatch, "/deviations/"+rec.DeviationID,
		map[string]string{"status": "SNOOZED"}, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_input", errBody.Error.Kind)

	status = env.doJSON(t, http.MethodPatch, "/deviations/"+rec.DeviationID,
		map[string]string{}, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_input", errBody.Error.Kind)
}

func TestEvaluateComputesWithoutPersisting(t *testing.T) {
	env := newTestEnv(t, nil)

	var errBody errResponse
	status := env.doJSON(t, http.MethodGet, "/deviations/evaluate", nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_input", errBody.Error.Kind)

	status = env.doJSON(t, http.MethodGet,
		"/deviations/evaluate?since=2025-03-01T10:00:00Z&until=nonsense", nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_time", errBody.Error.Kind)

	// An empty window fires the no-motion rule, computed only.
	var res struct {
		Deviations []models.Deviation `json:"deviations"`
	}
	status = env.doJSON(t, http.MethodGet,
		"/deviations/evaluate?since=2025-03-01T10:00:00Z&until=2025-03-01T11:00:00Z", nil, &res)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Deviations, 1)
	assert.Equal(t, "R-001", res.Deviations[0].RuleID)
	assert.Equal(t, models.SeverityMedium, res.Deviations[0].Severity)

	var list struct {
		Count int `json:"count"`
	}
	status = env.doJSON(t, http.MethodGet, "/deviations?status=ALL", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, list.Count, "evaluate must not persist")
}

func TestPersistWindowEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var errBody errResponse
	status := env.doJSON(t, http.MethodPost, "/deviations/persist", nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_input", errBody.Error.Kind)

	status = env.doJSON(t, http.MethodPost,
		"/deviations/persist?since=2025-03-01T11:00:00Z&until=2025-03-01T10:00:00Z", nil, &errBody)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_time", errBody.Error.Kind)

	var sum persistSummaryBody
	status = env.doJSON(t, http.MethodPost,
		"/deviations/persist?since=2025-03-01T10:00:00Z&until=2025-03-01T11:00:00Z&subject_key=demo", nil, &sum)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "demo", sum.SubjectKey)
	assert.Equal(t, 1, sum.Result.Created)

	status = env.doJSON(t, http.MethodGet,
		"/deviations/persist?since=2025-03-01T10:00:00Z&until=2025-03-01T11:00:00Z", nil, &errBody)
	require.Equal(t, http.StatusMethodNotAllowed, status)
}
