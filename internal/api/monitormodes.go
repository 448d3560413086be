package api

import (
	"net/http"
	"strings"
	"time"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/monitormode"
)

// MonitorModeHandlers serves the per-rule alert gating rows.
type MonitorModeHandlers struct {
	store *monitormode.Store
}

func NewMonitorModeHandlers(store *monitormode.Store) *MonitorModeHandlers {
	return &MonitorModeHandlers{store: store}
}

// List returns every gating row.
func (h *MonitorModeHandlers) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"modes": rows,
		"count": len(rows),
	})
}

type monitorModeRequest struct {
	RoomID string `json:"room_id"`
	Mode   string `json:"mode"`
}

// Put upserts the mode for one monitor key. An omitted room_id targets the
// global row; room_id may be a wildcard pattern.
func (h *MonitorModeHandlers) Put(w http.ResponseWriter, r *http.Request) {
	const op = "api.put_monitor_mode"

	key := pathSuffix(r, "/monitor-modes/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, pipeerrors.BadInputf(op, "monitor key is required"))
		return
	}

	var req monitorModeRequest
	if err := decodeJSON(op, w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	row, err := h.store.Set(r.Context(), key, req.RoomID,
		strings.ToUpper(strings.TrimSpace(req.Mode)), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, row)
}
