package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/baseline"
	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// StatusHandlers serves the read-only operational endpoints: occupancy,
// baseline freshness, insights pass-through, jobs, system and reports.
type StatusHandlers struct {
	deps Deps
}

func NewStatusHandlers(deps Deps) *StatusHandlers {
	return &StatusHandlers{deps: deps}
}

// Occupancy reports the replayed home/away state with its evidence.
func (h *StatusHandlers) Occupancy(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Occupancy.Status(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

// Baseline reports how fresh the trained model is.
func (h *StatusHandlers) Baseline(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	st, err := h.deps.Baseline.Status(r.Context(), baseline.DefaultUserID, now)
	if err != nil {
		writeError(w, err)
		return
	}

	out := map[string]any{
		"status":      "missing",
		"user_id":     st.UserID,
		"model_end":   st.ModelEnd,
		"rooms":       st.Rooms,
		"buckets":     st.Buckets,
		"transitions": st.Transitions,
	}
	if st.ModelEnd != nil {
		out["status"] = "ok"
		if st.Stale {
			out["status"] = "stale"
		}
		out["age_hours"] = now.Sub(*st.ModelEnd).Hours()
	}
	writeJSON(w, out)
}

// InsightsNight proxies the auxiliary statistics service, failing soft.
func (h *StatusHandlers) InsightsNight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.deps.Insights.Night(r.Context()))
}

// InsightsMorning proxies the auxiliary statistics service, failing soft.
func (h *StatusHandlers) InsightsMorning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.deps.Insights.Morning(r.Context()))
}

// jobView merges a persisted job_status row with the in-process runner
// snapshot, which carries the uncommitted recent history.
type jobView struct {
	Key             string     `json:"key"`
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	Runs            int64      `json:"runs"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastOkAt        *time.Time `json:"last_ok_at,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	LastErrorMsg    string     `json:"last_error_msg,omitempty"`
	LastSummary     any        `json:"last_summary,omitempty"`
}

// Jobs lists every scheduler job with its persisted and in-process state.
func (h *StatusHandlers) Jobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeJSON(w, map[string]any{"jobs": []jobView{}, "count": 0})
		return
	}

	rows, err := h.deps.Scheduler.JobRows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	byKey := make(map[string]*models.JobStatusRow, len(rows))
	for _, row := range rows {
		byKey[row.JobKey] = row
	}

	views := []jobView{}
	for _, st := range h.deps.Scheduler.Status() {
		v := jobView{
			Key:             st.Key,
			IntervalSeconds: st.IntervalSeconds,
			Runs:            st.Runs,
			LastRunAt:       st.LastRunAt,
			LastOkAt:        st.LastOkAt,
			LastErrorAt:     st.LastErrorAt,
			LastErrorMsg:    st.LastErrorMsg,
			LastSummary:     st.LastSummary,
		}
		if row, ok := byKey[st.Key]; ok {
			// Persisted rows survive restarts; prefer them when the runner
			// has not fired yet in this process.
			if v.LastRunAt == nil {
				at := row.LastRunAt
				v.LastRunAt = &at
				v.LastOkAt = row.LastOkAt
				v.LastErrorAt = row.LastErrorAt
				v.LastErrorMsg = row.LastErrorMsg
				v.LastSummary = row.LastPayload
			}
			delete(byKey, st.Key)
		}
		views = append(views, v)
	}
	// Rows for jobs this build no longer schedules still show up.
	for _, row := range byKey {
		at := row.LastRunAt
		views = append(views, jobView{
			Key:          row.JobKey,
			LastRunAt:    &at,
			LastOkAt:     row.LastOkAt,
			LastErrorAt:  row.LastErrorAt,
			LastErrorMsg: row.LastErrorMsg,
			LastSummary:  row.LastPayload,
		})
	}

	writeJSON(w, map[string]any{
		"jobs":  views,
		"count": len(views),
	})
}

// System reports the host snapshot plus hub liveness.
func (h *StatusHandlers) System(w http.ResponseWriter, r *http.Request) {
	if h.deps.System == nil {
		writeError(w, pipeerrors.Unsupportedf("api.system_status", "system", "system collector not configured"))
		return
	}
	st, err := h.deps.System.Collect(r.Context())
	if err != nil {
		writeError(w, pipeerrors.Internalf("api.system_status", err))
		return
	}

	out := map[string]any{
		"host":         st,
		"generated_at": st.GeneratedAt,
	}
	if h.deps.Occupancy != nil {
		if occ, err := h.deps.Occupancy.Status(r.Context(), time.Now().UTC()); err == nil {
			out["is_live"] = occ.IsLive
			if occ.LastSignalAt != nil {
				out["last_signal_at"] = occ.LastSignalAt
			}
		}
	}
	if h.deps.Hub != nil {
		out["websocket_clients"] = h.deps.Hub.ClientCount()
	}
	writeJSON(w, out)
}

// WeeklyReport renders the trailing-week PDF.
func (h *StatusHandlers) WeeklyReport(w http.ResponseWriter, r *http.Request) {
	pdf, err := h.deps.Reports.Weekly(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, pipeerrors.Internalf("api.weekly_report", err))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="agingos-weekly.pdf"`)
	if _, err := w.Write(pdf); err != nil {
		log.Debug().Err(err).Msg("Client dropped the report download")
	}
}
