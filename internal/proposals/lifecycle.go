package proposals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// TestWindow is how long a TEST run lasts before the expiry sweep returns
// the proposal to NEW.
const TestWindow = 7 * 24 * time.Hour

const noteTestExpired = "test expired -> NEW"

// transitionTarget maps each lifecycle action to the state it lands in.
var transitionTarget = map[string]string{
	models.ProposalActionTest:           models.ProposalTesting,
	models.ProposalActionActivate:       models.ProposalActive,
	models.ProposalActionReject:         models.ProposalRejected,
	models.ProposalActionAutoExpireTest: models.ProposalNew,
}

// transitionFrom lists the states each action may leave. REJECTED is
// terminal and appears in no list.
var transitionFrom = map[string][]string{
	models.ProposalActionTest:           {models.ProposalNew},
	models.ProposalActionActivate:       {models.ProposalNew, models.ProposalTesting},
	models.ProposalActionReject:         {models.ProposalNew, models.ProposalTesting, models.ProposalActive},
	models.ProposalActionAutoExpireTest: {models.ProposalTesting},
}

func actionAllowed(action, state string) bool {
	for _, s := range transitionFrom[action] {
		if s == state {
			return true
		}
	}
	return false
}

// TransitionRequest carries the caller identity for the audit trail.
type TransitionRequest struct {
	Actor  string `json:"actor,omitempty"`
	Source string `json:"source,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Transition applies one lifecycle action to a proposal and appends the
// audit entry, atomically. TEST opens a seven-day test window, ACTIVATE and
// REJECT clear it, and AUTO_EXPIRE_TEST is only valid once that window has
// passed. Actions not allowed from the current state fail with
// ErrTransitionNotAllowed.
func (s *Store) Transition(ctx context.Context, proposalID, action string, req TransitionRequest, now time.Time) (*models.Proposal, error) {
	const op = "proposals.transition"
	if _, ok := transitionTarget[action]; !ok {
		return nil, errors.BadInputf(op, "unknown proposal action %q", action)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin proposal transition: %w", err)
	}
	defer tx.Rollback()

	p, err := getProposal(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	if !actionAllowed(action, p.State) {
		return nil, errors.TransitionNotAllowedf(op, proposalID, "%s is not allowed from %s", action, p.State)
	}
	if action == models.ProposalActionAutoExpireTest {
		if p.TestUntil == nil || !p.TestUntil.Before(now) {
			return nil, errors.TransitionNotAllowedf(op, proposalID, "test window has not expired")
		}
	}

	if err := transitionProposal(ctx, tx, p, action, req, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit proposal transition: %w", err)
	}

	log.Info().
		Str("proposalId", proposalID).
		Str("action", action).
		Str("state", p.State).
		Msg("Proposal transitioned")
	return s.Get(ctx, proposalID)
}

// ExpireTests returns every TESTING proposal whose test window has passed to
// NEW, annotating the row and audit trail as a system action. The whole
// sweep commits as one transaction. Returns the number of proposals expired.
func (s *Store) ExpireTests(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin proposal expiry: %w", err)
	}
	defer tx.Rollback()

	due, err := queryProposals(ctx, tx, selectProposal+`
		WHERE state = ? AND test_until_us IS NOT NULL AND test_until_us < ?
		ORDER BY test_until_us ASC`,
		models.ProposalTesting, storage.Micros(now))
	if err != nil {
		return 0, err
	}

	req := TransitionRequest{Source: "system", Note: noteTestExpired}
	for _, p := range due {
		if err := transitionProposal(ctx, tx, p, models.ProposalActionAutoExpireTest, req, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit proposal expiry: %w", err)
	}

	if len(due) > 0 {
		log.Info().Int("expired", len(due)).Msg("Expired proposal test windows")
	}
	return len(due), nil
}

// transitionProposal mutates p per the action, writes the lifecycle columns
// and appends the audit row. Callers have already validated the transition.
func transitionProposal(ctx context.Context, q dbtx, p *models.Proposal, action string, req TransitionRequest, now time.Time) error {
	prev := p.State
	now = now.UTC()

	p.State = transitionTarget[action]
	switch action {
	case models.ProposalActionTest:
		start, until := now, now.Add(TestWindow)
		p.TestStartedAt, p.TestUntil = &start, &until
		p.ActivatedAt = nil
	case models.ProposalActionActivate:
		at := now
		p.ActivatedAt = &at
		p.TestStartedAt, p.TestUntil = nil, nil
	case models.ProposalActionReject:
		at := now
		p.RejectedAt = &at
		p.TestStartedAt, p.TestUntil = nil, nil
		p.ActivatedAt = nil
	case models.ProposalActionAutoExpireTest:
		p.TestStartedAt, p.TestUntil = nil, nil
	}
	p.LastActor = req.Actor
	p.LastSource = req.Source
	if p.LastSource == "" {
		p.LastSource = "system"
	}
	p.LastNote = req.Note
	p.UpdatedAt = now

	_, err := q.ExecContext(ctx, `UPDATE proposals SET
		state = ?, test_started_us = ?, test_until_us = ?,
		activated_us = ?, rejected_us = ?,
		last_actor = ?, last_source = ?, last_note = ?, updated_us = ?
		WHERE proposal_id = ?`,
		p.State, storage.MicrosPtr(p.TestStartedAt), storage.MicrosPtr(p.TestUntil),
		storage.MicrosPtr(p.ActivatedAt), storage.MicrosPtr(p.RejectedAt),
		storage.NullStr(p.LastActor), p.LastSource, storage.NullStr(p.LastNote),
		storage.Micros(p.UpdatedAt),
		p.ProposalID)
	if err != nil {
		return fmt.Errorf("failed to update proposal %s: %w", p.ProposalID, err)
	}

	_, err = q.ExecContext(ctx, `INSERT INTO proposal_actions (
		action_id, proposal_id, action, prev_state, new_state,
		actor, source, note, payload, created_us
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}', ?)`,
		uuid.NewString(), p.ProposalID, action, prev, p.State,
		storage.NullStr(req.Actor), p.LastSource, storage.NullStr(req.Note),
		storage.Micros(now))
	if err != nil {
		return fmt.Errorf("failed to record proposal action: %w", err)
	}
	return nil
}
