package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/config"
	"github.com/agingos/agingos-go-rewrite/internal/deviations"
	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/websocket"
)

// DeviationHandlers serves the deviation store and the computed-only
// evaluation endpoint.
type DeviationHandlers struct {
	store *deviations.Store
	svc   *deviations.Service
	rules *config.RuleProvider
	hub   *websocket.Hub
}

func NewDeviationHandlers(store *deviations.Store, svc *deviations.Service, rules *config.RuleProvider, hub *websocket.Hub) *DeviationHandlers {
	return &DeviationHandlers{store: store, svc: svc, rules: rules, hub: hub}
}

// List returns persisted deviations, newest sighting first. Status defaults
// to OPEN; pass status=ALL for every lifecycle state.
func (h *DeviationHandlers) List(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_deviations"

	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = models.DeviationOpen
	}
	if status == "ALL" {
		status = ""
	} else if !models.ValidDeviationStatus(status) {
		writeError(w, pipeerrors.BadInputf(op, "invalid deviation status %q", status))
		return
	}

	subjectKey := strings.TrimSpace(r.URL.Query().Get("subject_key"))
	if subjectKey == "" {
		subjectKey = "default"
	}

	limit, err := queryLimit(op, r, 50, 200)
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := h.store.List(r.Context(), deviations.ListOptions{
		Status:     status,
		SubjectKey: subjectKey,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"deviations": list,
		"count":      len(list),
	})
}

type deviationStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus moves one deviation between OPEN, ACK and CLOSED.
func (h *DeviationHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	const op = "api.update_deviation"

	id := pathSuffix(r, "/deviations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, pipeerrors.BadInputf(op, "deviation id is required"))
		return
	}

	var req deviationStatusRequest
	if err := decodeJSON(op, w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if status == "" {
		writeError(w, pipeerrors.BadInputf(op, "status is required"))
		return
	}

	rec, err := h.store.SetStatus(r.Context(), id, status, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastDeviation(rec)
	}
	writeJSON(w, rec)
}

// Evaluate runs every rule over an explicit window without persisting
// anything, for previewing rule and parameter changes.
func (h *DeviationHandlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	const op = "api.evaluate_deviations"

	since, err := requireQueryInstant(op, r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	until, err := requireQueryInstant(op, r, "until")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Evaluate(r.Context(), h.rules.Current(), since, until, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// Persist runs every rule over an explicit window and stores the findings:
// the scheduler pass on demand, monitor modes included.
func (h *DeviationHandlers) Persist(w http.ResponseWriter, r *http.Request) {
	const op = "api.persist_deviations"

	since, err := requireQueryInstant(op, r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	until, err := requireQueryInstant(op, r, "until")
	if err != nil {
		writeError(w, err)
		return
	}
	subjectKey := strings.TrimSpace(r.URL.Query().Get("subject_key"))

	sum, err := h.svc.PersistWindow(r.Context(), h.rules.Current(), subjectKey, since, until, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sum)
}
