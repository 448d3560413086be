package api

import (
	"net/http"
	"strings"
	"time"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/proposals"
	"github.com/agingos/agingos-go-rewrite/internal/websocket"
)

// Caller-facing path segments for the lifecycle actions. Test expiry is
// system-only and deliberately absent.
var proposalActions = map[string]string{
	"test":     models.ProposalActionTest,
	"activate": models.ProposalActionActivate,
	"reject":   models.ProposalActionReject,
}

// ProposalHandlers serves the proposal queue and its lifecycle actions.
type ProposalHandlers struct {
	store *proposals.Store
	hub   *websocket.Hub
}

func NewProposalHandlers(store *proposals.Store, hub *websocket.Hub) *ProposalHandlers {
	return &ProposalHandlers{store: store, hub: hub}
}

// List returns proposals most recently changed first, each with its recent
// audit entries. ?last narrows to proposals changed after that instant.
func (h *ProposalHandlers) List(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_proposals"

	changedSince, err := queryInstant(op, r, "last")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryLimit(op, r, 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}

	state := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state")))
	if state != "" && !models.ValidProposalState(state) {
		writeError(w, pipeerrors.BadInputf(op, "invalid proposal state %q", state))
		return
	}

	list, err := h.store.List(r.Context(), proposals.ListOptions{
		State:        state,
		SubjectID:    strings.TrimSpace(r.URL.Query().Get("subject_id")),
		ChangedSince: changedSince,
		Limit:        limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"proposals": list,
		"count":     len(list),
	})
}

// Action applies test, activate or reject to one proposal. A transition the
// current state does not allow is a conflict, not an error.
func (h *ProposalHandlers) Action(w http.ResponseWriter, r *http.Request) {
	const op = "api.proposal_action"

	rest := pathSuffix(r, "/proposals/")
	id, verb, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(verb, "/") {
		writeError(w, pipeerrors.BadInputf(op, "expected /proposals/{id}/{action}"))
		return
	}
	action, ok := proposalActions[strings.ToLower(verb)]
	if !ok {
		writeError(w, pipeerrors.BadInputf(op, "unknown proposal action %q", verb))
		return
	}

	var req proposals.TransitionRequest
	if err := decodeJSON(op, w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.store.Transition(r.Context(), id, action, req, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastProposal(p)
	}
	writeJSON(w, p)
}
