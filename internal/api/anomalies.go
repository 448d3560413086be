package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/anomaly"
	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/scheduler"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
	"github.com/agingos/agingos-go-rewrite/internal/websocket"
)

// AnomalyHandlers serves anomaly episode queries and the manual scoring
// pass.
type AnomalyHandlers struct {
	store  *anomaly.Store
	runner *anomaly.Runner
	sched  *scheduler.Scheduler
	hub    *websocket.Hub
}

func NewAnomalyHandlers(store *anomaly.Store, runner *anomaly.Runner, sched *scheduler.Scheduler, hub *websocket.Hub) *AnomalyHandlers {
	return &AnomalyHandlers{store: store, runner: runner, sched: sched, hub: hub}
}

// List returns episodes that started inside the trailing window, newest
// first.
func (h *AnomalyHandlers) List(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_anomalies"

	last, err := queryLast(op, r, 24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryLimit(op, r, 200, 2000)
	if err != nil {
		writeError(w, err)
		return
	}

	minLevel := models.LevelGreen
	if raw := strings.TrimSpace(r.URL.Query().Get("min_level")); raw != "" {
		lvl, err := models.ParseAnomalyLevel(raw)
		if err != nil {
			writeError(w, pipeerrors.BadInputf(op, "invalid min_level %q", raw))
			return
		}
		minLevel = lvl
	}

	now := time.Now().UTC()
	list, err := h.store.List(r.Context(), anomaly.ListOptions{
		Room:       r.URL.Query().Get("room"),
		Since:      now.Add(-last),
		ActiveOnly: queryBool(r, "active_only"),
		MinLevel:   minLevel,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"anomalies": list,
		"count":     len(list),
	})
}

type runOnceRequest struct {
	BucketStart string `json:"bucket_start"`
}

// RunOnce scores one bucket for every baseline room immediately. Without a
// bucket_start it runs the regular job (the outcome lands in job_status);
// with one it replays that bucket directly.
func (h *AnomalyHandlers) RunOnce(w http.ResponseWriter, r *http.Request) {
	const op = "api.anomalies_run_once"

	var req runOnceRequest
	if err := decodeJSON(op, w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		sum any
		err error
	)
	switch {
	case req.BucketStart != "":
		var bucketStart time.Time
		bucketStart, err = timeutil.ParseInstant(op, req.BucketStart)
		if err != nil {
			writeError(w, err)
			return
		}
		sum, err = h.runner.RunBucket(r.Context(), bucketStart, time.Now().UTC())
	case h.sched != nil:
		sum, err = h.sched.Trigger(r.Context(), scheduler.JobAnomalies)
	default:
		sum, err = h.runner.RunOnce(r.Context(), time.Now().UTC())
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastAnomaly(sum)
	}
	writeJSON(w, sum)
}
