// Package proposals persists miner findings and drives their
// NEW/TESTING/ACTIVE/REJECTED lifecycle with a full audit trail.
package proposals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// DefaultOrgID groups proposals when no organisation is configured.
const DefaultOrgID = "default"

// actionsLimit caps the audit entries attached to a returned proposal.
const actionsLimit = 20

// Store reads and writes proposals and their audit entries.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectProposal = `
SELECT proposal_id, org_id, subject_id, room_id, proposal_type, dedupe_key,
       state, priority, evidence, why, action_target, action_payload,
       first_detected_us, last_detected_us, window_start_us, window_end_us,
       test_started_us, test_until_us, activated_us, rejected_us,
       last_actor, last_source, last_note, created_us, updated_us
FROM proposals`

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Upsert inserts a mined proposal or, when an open row already carries the
// same (org, subject, type, dedupe) tuple, refreshes that row's content and
// last_detected_at. The open row keeps its state and identity; REJECTED rows
// never conflict, so a re-detected pattern starts over as a fresh NEW row.
// Returns the stored open row.
func (s *Store) Upsert(ctx context.Context, p *models.Proposal, now time.Time) (*models.Proposal, error) {
	return upsertProposal(ctx, s.db, p, now)
}

func upsertProposal(ctx context.Context, q dbtx, p *models.Proposal, now time.Time) (*models.Proposal, error) {
	const op = "proposals.upsert"
	if p.SubjectID == "" || p.ProposalType == "" || p.DedupeKey == "" {
		return nil, errors.BadInputf(op, "subject_id, proposal_type and dedupe_key are required")
	}
	if p.Priority < 0 || p.Priority > 100 {
		return nil, errors.BadInputf(op, "priority %d outside [0, 100]", p.Priority)
	}
	if p.OrgID == "" {
		p.OrgID = DefaultOrgID
	}
	if p.ProposalID == "" {
		p.ProposalID = uuid.NewString()
	}
	if p.Evidence == nil {
		p.Evidence = map[string]any{}
	}
	if p.Why == nil {
		p.Why = []models.WhyReason{}
	}
	if p.ActionPayload == nil {
		p.ActionPayload = map[string]any{}
	}

	nowUS := storage.Micros(now)
	_, err := q.ExecContext(ctx, `INSERT INTO proposals (
		proposal_id, org_id, subject_id, room_id, proposal_type, dedupe_key,
		state, priority, evidence, why, action_target, action_payload,
		first_detected_us, last_detected_us, window_start_us, window_end_us,
		last_source, created_us, updated_us
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'system', ?, ?)
	ON CONFLICT (org_id, subject_id, proposal_type, dedupe_key)
		WHERE state IN ('NEW','TESTING','ACTIVE')
	DO UPDATE SET
		last_detected_us = excluded.last_detected_us,
		evidence = excluded.evidence,
		why = excluded.why,
		priority = excluded.priority,
		action_target = excluded.action_target,
		action_payload = excluded.action_payload,
		window_start_us = excluded.window_start_us,
		window_end_us = excluded.window_end_us,
		updated_us = excluded.updated_us`,
		p.ProposalID, p.OrgID, p.SubjectID, storage.NullStr(p.RoomID), p.ProposalType, p.DedupeKey,
		models.ProposalNew, p.Priority,
		storage.JSONText(p.Evidence, "{}"), storage.JSONText(p.Why, "[]"),
		p.ActionTarget, storage.JSONText(p.ActionPayload, "{}"),
		nowUS, nowUS, microsOrNil(p.WindowStart), microsOrNil(p.WindowEnd),
		nowUS, nowUS)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert proposal %s/%s: %w", p.ProposalType, p.DedupeKey, err)
	}

	row := q.QueryRowContext(ctx, selectProposal+`
		WHERE org_id = ? AND subject_id = ? AND proposal_type = ? AND dedupe_key = ?
		  AND state IN (?, ?, ?)`,
		p.OrgID, p.SubjectID, p.ProposalType, p.DedupeKey,
		models.ProposalNew, models.ProposalTesting, models.ProposalActive)
	stored, err := scanProposal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload proposal %s/%s: %w", p.ProposalType, p.DedupeKey, err)
	}
	return stored, nil
}

// Get returns one proposal with its most recent audit entries attached.
func (s *Store) Get(ctx context.Context, proposalID string) (*models.Proposal, error) {
	p, err := getProposal(ctx, s.db, proposalID)
	if err != nil {
		return nil, err
	}
	p.Actions, err = listActions(ctx, s.db, proposalID, actionsLimit)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func getProposal(ctx context.Context, q dbtx, proposalID string) (*models.Proposal, error) {
	row := q.QueryRowContext(ctx, selectProposal+` WHERE proposal_id = ?`, proposalID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("proposals.get", proposalID, "proposal %s not found", proposalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	return p, nil
}

// ListOptions filters List. Zero values mean no filter; Limit <= 0 uses the
// default page size.
type ListOptions struct {
	State        string
	SubjectID    string
	ChangedSince time.Time
	Limit        int
}

// List returns proposals most recently changed first, each with its most
// recent audit entries attached.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*models.Proposal, error) {
	q := selectProposal + ` WHERE 1=1`
	var args []any
	if opts.State != "" {
		q += ` AND state = ?`
		args = append(args, opts.State)
	}
	if opts.SubjectID != "" {
		q += ` AND subject_id = ?`
		args = append(args, opts.SubjectID)
	}
	if !opts.ChangedSince.IsZero() {
		q += ` AND updated_us > ?`
		args = append(args, storage.Micros(opts.ChangedSince))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY updated_us DESC, proposal_id ASC LIMIT ?`
	args = append(args, limit)

	out, err := queryProposals(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}

	// Attach audit entries after the cursor is drained; the store runs on a
	// single connection.
	for _, p := range out {
		p.Actions, err = listActions(ctx, s.db, p.ProposalID, actionsLimit)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func queryProposals(ctx context.Context, q dbtx, query string, args ...any) ([]*models.Proposal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var out []*models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Actions returns the audit entries for a proposal, newest first.
func (s *Store) Actions(ctx context.Context, proposalID string, limit int) ([]models.ProposalAction, error) {
	return listActions(ctx, s.db, proposalID, limit)
}

func listActions(ctx context.Context, q dbtx, proposalID string, limit int) ([]models.ProposalAction, error) {
	if limit <= 0 {
		limit = actionsLimit
	}
	rows, err := q.QueryContext(ctx, `
		SELECT action_id, proposal_id, action, prev_state, new_state,
		       actor, source, note, payload, created_us
		FROM proposal_actions
		WHERE proposal_id = ?
		ORDER BY created_us DESC, rowid DESC
		LIMIT ?`, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposal actions: %w", err)
	}
	defer rows.Close()

	out := []models.ProposalAction{}
	for rows.Next() {
		var (
			a           models.ProposalAction
			actor, note sql.NullString
			payload     string
			createdUS   int64
		)
		if err := rows.Scan(&a.ActionID, &a.ProposalID, &a.Action, &a.PrevState, &a.NewState,
			&actor, &a.Source, &note, &payload, &createdUS); err != nil {
			return nil, fmt.Errorf("failed to scan proposal action: %w", err)
		}
		if actor.Valid {
			a.Actor = actor.String
		}
		if note.Valid {
			a.Note = note.String
		}
		storage.FromJSONText(payload, &a.Payload)
		a.CreatedAt = storage.FromMicros(createdUS)
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*models.Proposal, error) {
	var (
		p                    models.Proposal
		roomID               sql.NullString
		evidence, why        string
		payload              string
		firstUS, lastUS      int64
		winStart, winEnd     sql.NullInt64
		testStart, testUntil sql.NullInt64
		activated, rejected  sql.NullInt64
		lastActor, lastNote  sql.NullString
		createdUS, updatedUS int64
	)
	err := row.Scan(&p.ProposalID, &p.OrgID, &p.SubjectID, &roomID, &p.ProposalType, &p.DedupeKey,
		&p.State, &p.Priority, &evidence, &why, &p.ActionTarget, &payload,
		&firstUS, &lastUS, &winStart, &winEnd,
		&testStart, &testUntil, &activated, &rejected,
		&lastActor, &p.LastSource, &lastNote, &createdUS, &updatedUS)
	if err != nil {
		return nil, err
	}

	if roomID.Valid {
		p.RoomID = roomID.String
	}
	p.Evidence = map[string]any{}
	p.Why = []models.WhyReason{}
	p.ActionPayload = map[string]any{}
	storage.FromJSONText(evidence, &p.Evidence)
	storage.FromJSONText(why, &p.Why)
	storage.FromJSONText(payload, &p.ActionPayload)
	p.FirstDetectedAt = storage.FromMicros(firstUS)
	p.LastDetectedAt = storage.FromMicros(lastUS)
	if winStart.Valid {
		p.WindowStart = storage.FromMicros(winStart.Int64)
	}
	if winEnd.Valid {
		p.WindowEnd = storage.FromMicros(winEnd.Int64)
	}
	p.TestStartedAt = storage.FromMicrosPtr(testStart)
	p.TestUntil = storage.FromMicrosPtr(testUntil)
	p.ActivatedAt = storage.FromMicrosPtr(activated)
	p.RejectedAt = storage.FromMicrosPtr(rejected)
	if lastActor.Valid {
		p.LastActor = lastActor.String
	}
	if lastNote.Valid {
		p.LastNote = lastNote.String
	}
	p.CreatedAt = storage.FromMicros(createdUS)
	p.UpdatedAt = storage.FromMicros(updatedUS)
	return &p, nil
}

func microsOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return storage.Micros(t)
}
