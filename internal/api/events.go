package api

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

const maxEventIDLen = 128

// EventHandlers serves event ingress and the newest-first query.
type EventHandlers struct {
	store *events.Store
}

func NewEventHandlers(store *events.Store) *EventHandlers {
	return &EventHandlers{store: store}
}

type ingestRequest struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Category  string         `json:"category"`
	Payload   models.Payload `json:"payload"`
}

// Ingest accepts one sensor event. A missing id gets a fresh ULID; a
// duplicate id is acknowledged without rewriting the stored payload.
func (h *EventHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	const op = "api.ingest_event"

	var req ingestRequest
	if err := decodeJSON(op, w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.ID) > maxEventIDLen {
		writeError(w, pipeerrors.BadInputf(op, "event id exceeds %d characters", maxEventIDLen))
		return
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.Timestamp == "" {
		writeError(w, pipeerrors.BadTimef(op, "timestamp is required"))
		return
	}
	ts, err := timeutil.ParseInstant(op, req.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}

	ev := &models.RawEvent{
		ID:        req.ID,
		Timestamp: ts,
		Category:  req.Category,
		Payload:   req.Payload,
	}
	deduped, err := h.store.Ingest(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"id":      ev.ID,
		"deduped": deduped,
	})
}

// List returns stored events newest first.
func (h *EventHandlers) List(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_events"

	limit, err := queryLimit(op, r, 100, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryInstant(op, r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	until, err := queryInstant(op, r, "until")
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := queryInstant(op, r, "before")
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := h.store.List(r.Context(), events.ListOptions{
		Category: r.URL.Query().Get("category"),
		Room:     r.URL.Query().Get("room"),
		Since:    since,
		Until:    until,
		Before:   before,
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"events": list,
		"count":  len(list),
	})
}
