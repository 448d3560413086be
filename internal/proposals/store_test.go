package proposals

import (
	"context"
	"testing"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

var minedT0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func mined(subject, dedupeKey string) *models.Proposal {
	return &models.Proposal{
		SubjectID:    subject,
		ProposalType: models.ProposalNightActivityEarly,
		DedupeKey:    dedupeKey,
		Priority:     35,
		Evidence:     map[string]any{"nights_over_threshold": 1},
		Why: []models.WhyReason{{
			ReasonCode: models.ProposalNightActivityEarly,
			Text:       "Nattlig aktivitet forekommer på >=1 av de siste 7 nettene (lokal tid).",
			Weight:     1,
		}},
		ActionTarget: "monitor:R-001",
		WindowStart:  minedT0.Add(-7 * 24 * time.Hour),
		WindowEnd:    minedT0,
	}
}

func TestUpsertCreatesNewProposal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Upsert(ctx, mined("u1", "night_activity:all"), minedT0)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if p.ProposalID == "" || p.State != models.ProposalNew {
		t.Fatalf("unexpected stored proposal: %+v", p)
	}
	if p.OrgID != DefaultOrgID {
		t.Fatalf("org not defaulted: %q", p.OrgID)
	}
	if !p.FirstDetectedAt.Equal(minedT0) || !p.LastDetectedAt.Equal(minedT0) {
		t.Fatalf("detection stamps missing: %+v", p)
	}
	if !p.WindowStart.Equal(minedT0.Add(-7*24*time.Hour)) || !p.WindowEnd.Equal(minedT0) {
		t.Fatalf("window did not round-trip: %+v", p)
	}
	if len(p.Why) != 1 || p.Why[0].ReasonCode != models.ProposalNightActivityEarly {
		t.Fatalf("why did not round-trip: %+v", p.Why)
	}
}

func TestUpsertRefreshKeepsIdentityAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, mined("u1", "night_activity:all"), minedT0)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.Transition(ctx, first.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0.Add(time.Minute)); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// The miner re-detects the pattern the next day with fresh evidence.
	later := minedT0.Add(24 * time.Hour)
	update := mined("u1", "night_activity:all")
	update.Priority = 50
	update.Evidence = map[string]any{"nights_over_threshold": 3}
	second, err := s.Upsert(ctx, update, later)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if second.ProposalID != first.ProposalID {
		t.Fatalf("open row lost its identity: %s != %s", second.ProposalID, first.ProposalID)
	}
	if second.State != models.ProposalTesting {
		t.Fatalf("refresh must not change state: %s", second.State)
	}
	if second.Priority != 50 {
		t.Fatalf("priority not refreshed: %d", second.Priority)
	}
	if n, ok := second.Evidence["nights_over_threshold"].(float64); !ok || n != 3 {
		t.Fatalf("evidence not refreshed: %v", second.Evidence)
	}
	if !second.FirstDetectedAt.Equal(minedT0) {
		t.Fatalf("first_detected_at must not move: %v", second.FirstDetectedAt)
	}
	if !second.LastDetectedAt.Equal(later) {
		t.Fatalf("last_detected_at not advanced: %v", second.LastDetectedAt)
	}
}

func TestUpsertAfterRejectStartsFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, mined("u1", "night_activity:all"), minedT0)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.Transition(ctx, first.ProposalID, models.ProposalActionReject,
		TransitionRequest{Actor: "nurse-1", Source: "ui"}, minedT0.Add(time.Hour)); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	second, err := s.Upsert(ctx, mined("u1", "night_activity:all"), minedT0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("upsert after reject failed: %v", err)
	}
	if second.ProposalID == first.ProposalID {
		t.Fatal("rejected row must not block a fresh proposal")
	}
	if second.State != models.ProposalNew {
		t.Fatalf("fresh proposal not NEW: %s", second.State)
	}

	all, err := s.List(ctx, ListOptions{SubjectID: "u1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("rejected history lost: %d rows", len(all))
	}
}

func TestUpsertValidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mined("", "night_activity:all")
	if _, err := s.Upsert(ctx, p, minedT0); errors.KindOf(err) != errors.KindBadInput {
		t.Fatalf("missing subject not rejected: %v", err)
	}

	p = mined("u1", "night_activity:all")
	p.Priority = 101
	if _, err := s.Upsert(ctx, p, minedT0); errors.KindOf(err) != errors.KindBadInput {
		t.Fatalf("priority 101 not rejected: %v", err)
	}
}

func TestListFiltersAndAttachesActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Upsert(ctx, mined("u1", "night_activity:all"), minedT0)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	b := mined("u2", "door_usage:all")
	b.ProposalType = models.ProposalDoorAnomalyBurst
	if _, err := s.Upsert(ctx, b, minedT0.Add(time.Minute)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.Transition(ctx, a.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0.Add(2*time.Minute)); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	inTesting, err := s.List(ctx, ListOptions{State: models.ProposalTesting})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(inTesting) != 1 || inTesting[0].ProposalID != a.ProposalID {
		t.Fatalf("state filter wrong: %+v", inTesting)
	}
	if len(inTesting[0].Actions) != 1 || inTesting[0].Actions[0].Action != models.ProposalActionTest {
		t.Fatalf("audit entries not attached: %+v", inTesting[0].Actions)
	}

	// Changed-since returns only the proposal touched by the transition.
	changed, err := s.List(ctx, ListOptions{ChangedSince: minedT0.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(changed) != 1 || changed[0].ProposalID != a.ProposalID {
		t.Fatalf("changed-since filter wrong: %d rows", len(changed))
	}

	none, err := s.List(ctx, ListOptions{ChangedSince: minedT0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("future changed-since must match nothing: %d rows", len(none))
	}
}
