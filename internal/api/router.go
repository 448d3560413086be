// Package api exposes the analytics pipeline over HTTP: event ingress,
// deviation and anomaly queries, proposal lifecycle actions, job control
// and the live websocket feed.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agingos/agingos-go-rewrite/internal/anomaly"
	"github.com/agingos/agingos-go-rewrite/internal/auth"
	"github.com/agingos/agingos-go-rewrite/internal/baseline"
	"github.com/agingos/agingos-go-rewrite/internal/config"
	"github.com/agingos/agingos-go-rewrite/internal/deviations"
	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/insights"
	"github.com/agingos/agingos-go-rewrite/internal/monitormode"
	"github.com/agingos/agingos-go-rewrite/internal/occupancy"
	"github.com/agingos/agingos-go-rewrite/internal/proposals"
	"github.com/agingos/agingos-go-rewrite/internal/reports"
	"github.com/agingos/agingos-go-rewrite/internal/scheduler"
	"github.com/agingos/agingos-go-rewrite/internal/system"
	"github.com/agingos/agingos-go-rewrite/internal/websocket"
)

// Deps bundles everything the HTTP surface serves. Nil optional fields
// (Insights, System, Hub) disable their endpoints gracefully.
type Deps struct {
	Config     *config.Config
	Rules      *config.RuleProvider
	Events     *events.Store
	Deviations *deviations.Store
	Evaluator  *deviations.Service
	Anomalies  *anomaly.Store
	Runner     *anomaly.Runner
	Proposals  *proposals.Store
	Modes      *monitormode.Store
	Occupancy  *occupancy.Service
	Baseline   *baseline.Store
	Insights   *insights.Client
	Reports    *reports.Service
	System     *system.Collector
	Scheduler  *scheduler.Scheduler
	Hub        *websocket.Hub
	Version    string
}

// Router owns the mux and the per-resource handlers.
type Router struct {
	mux  *http.ServeMux
	deps Deps
}

// NewRouter wires every route and returns the fully assembled handler
// chain: error middleware outermost, then auth, then the mux.
func NewRouter(deps Deps) http.Handler {
	r := &Router{
		mux:  http.NewServeMux(),
		deps: deps,
	}
	r.setupRoutes()

	authEnabled := deps.Config != nil && deps.Config.AuthMode == config.AuthModeAPIKey
	var ring *auth.Keyring
	if authEnabled {
		ring = auth.NewKeyring(deps.Config.APIKeys)
	}

	var h http.Handler = r.mux
	h = auth.Middleware(authEnabled, ring)(h)
	return ErrorHandler(h)
}

func (r *Router) setupRoutes() {
	eventHandlers := NewEventHandlers(r.deps.Events)
	deviationHandlers := NewDeviationHandlers(r.deps.Deviations, r.deps.Evaluator, r.deps.Rules, r.deps.Hub)
	anomalyHandlers := NewAnomalyHandlers(r.deps.Anomalies, r.deps.Runner, r.deps.Scheduler, r.deps.Hub)
	proposalHandlers := NewProposalHandlers(r.deps.Proposals, r.deps.Hub)
	modeHandlers := NewMonitorModeHandlers(r.deps.Modes)
	statusHandlers := NewStatusHandlers(r.deps)

	r.mux.HandleFunc("/event", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			eventHandlers.Ingest(w, req)
		default:
			writeMethodNotAllowed(w)
		}
	})
	r.mux.HandleFunc("/events", onlyGet(eventHandlers.List))

	r.mux.HandleFunc("/deviations", onlyGet(deviationHandlers.List))
	r.mux.HandleFunc("/deviations/evaluate", onlyGet(deviationHandlers.Evaluate))
	r.mux.HandleFunc("/deviations/persist", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			deviationHandlers.Persist(w, req)
		default:
			writeMethodNotAllowed(w)
		}
	})
	r.mux.HandleFunc("/deviations/", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPatch:
			deviationHandlers.UpdateStatus(w, req)
		default:
			writeMethodNotAllowed(w)
		}
	})

	r.mux.HandleFunc("/anomalies", onlyGet(anomalyHandlers.List))
	r.mux.HandleFunc("/jobs/anomalies/run-once", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			anomalyHandlers.RunOnce(w, req)
		default:
			writeMethodNotAllowed(w)
		}
	})

	r.mux.HandleFunc("/proposals", onlyGet(proposalHandlers.List))
	r.mux.HandleFunc("/proposals/", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			proposalHandlers.Action(w, req)
		default:
			writeMethodNotAllowed(w)
		}
	})

	r.mux.HandleFunc("/monitor-modes", onlyGet(modeHandlers.List))
	r.mux.HandleFunc("/monitor-modes/", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPut:
			modeHandlers.Put(w, req)
		default:
			writeMethodNotAllowed(w)
		}
	})

	r.mux.HandleFunc("/occupancy/status", onlyGet(statusHandlers.Occupancy))
	r.mux.HandleFunc("/baseline/status", onlyGet(statusHandlers.Baseline))
	r.mux.HandleFunc("/insights/night", onlyGet(statusHandlers.InsightsNight))
	r.mux.HandleFunc("/insights/morning", onlyGet(statusHandlers.InsightsMorning))
	r.mux.HandleFunc("/jobs", onlyGet(statusHandlers.Jobs))
	r.mux.HandleFunc("/system/status", onlyGet(statusHandlers.System))
	r.mux.HandleFunc("/reports/weekly", onlyGet(statusHandlers.WeeklyReport))
	r.mux.HandleFunc("/healthz", onlyGet(r.handleHealthz))

	r.mux.Handle("/metrics", promhttp.Handler())

	if r.deps.Hub != nil {
		r.mux.HandleFunc("/ws", r.deps.Hub.HandleWebSocket)
	}
}

func onlyGet(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		h(w, req)
	}
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeErrorKind(w, http.StatusMethodNotAllowed, pipeerrors.KindBadInput, "method not allowed")
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": r.deps.Version,
	})
}
