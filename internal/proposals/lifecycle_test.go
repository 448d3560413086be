package proposals

import (
	"context"
	"testing"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
)

func seedProposal(t *testing.T, s *Store, subject string) *models.Proposal {
	t.Helper()
	p, err := s.Upsert(context.Background(), mined(subject, "night_activity:all"), minedT0)
	if err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
	return p
}

func TestTransitionTestOpensWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "u1")

	at := minedT0.Add(time.Hour)
	got, err := s.Transition(ctx, p.ProposalID, models.ProposalActionTest,
		TransitionRequest{Actor: "nurse-1", Source: "ui", Note: "prøver i en uke"}, at)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if got.State != models.ProposalTesting {
		t.Fatalf("state not TESTING: %s", got.State)
	}
	if got.TestStartedAt == nil || !got.TestStartedAt.Equal(at) {
		t.Fatalf("test_started_at not stamped: %v", got.TestStartedAt)
	}
	if got.TestUntil == nil || !got.TestUntil.Equal(at.Add(TestWindow)) {
		t.Fatalf("test_until not now+7d: %v", got.TestUntil)
	}
	if got.LastActor != "nurse-1" || got.LastSource != "ui" || got.LastNote != "prøver i en uke" {
		t.Fatalf("caller identity not recorded: %+v", got)
	}
	if len(got.Actions) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(got.Actions))
	}
	a := got.Actions[0]
	if a.Action != models.ProposalActionTest || a.PrevState != models.ProposalNew || a.NewState != models.ProposalTesting {
		t.Fatalf("audit entry wrong: %+v", a)
	}
}

func TestTransitionActivateClearsTestWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "u1")

	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0.Add(time.Hour)); err != nil {
		t.Fatalf("test failed: %v", err)
	}
	at := minedT0.Add(2 * time.Hour)
	got, err := s.Transition(ctx, p.ProposalID, models.ProposalActionActivate,
		TransitionRequest{Actor: "nurse-1", Source: "ui"}, at)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if got.State != models.ProposalActive {
		t.Fatalf("state not ACTIVE: %s", got.State)
	}
	if got.ActivatedAt == nil || !got.ActivatedAt.Equal(at) {
		t.Fatalf("activated_at not stamped: %v", got.ActivatedAt)
	}
	if got.TestStartedAt != nil || got.TestUntil != nil {
		t.Fatalf("test window not cleared: %+v", got)
	}
}

func TestTransitionRejectIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "u1")

	at := minedT0.Add(time.Hour)
	got, err := s.Transition(ctx, p.ProposalID, models.ProposalActionReject,
		TransitionRequest{Actor: "nurse-1", Source: "ui", Note: "ikke relevant"}, at)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if got.State != models.ProposalRejected {
		t.Fatalf("state not REJECTED: %s", got.State)
	}
	if got.RejectedAt == nil || !got.RejectedAt.Equal(at) {
		t.Fatalf("rejected_at not stamped: %v", got.RejectedAt)
	}

	for _, action := range []string{
		models.ProposalActionTest,
		models.ProposalActionActivate,
		models.ProposalActionReject,
	} {
		_, err := s.Transition(ctx, p.ProposalID, action, TransitionRequest{}, at.Add(time.Minute))
		if errors.KindOf(err) != errors.KindTransitionNotAllowed {
			t.Fatalf("%s allowed on a REJECTED proposal: %v", action, err)
		}
	}
}

func TestTransitionGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "u1")

	if _, err := s.Transition(ctx, p.ProposalID, "PROMOTE", TransitionRequest{}, minedT0); errors.KindOf(err) != errors.KindBadInput {
		t.Fatalf("unknown action not rejected: %v", err)
	}
	if _, err := s.Transition(ctx, "missing", models.ProposalActionTest, TransitionRequest{}, minedT0); errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("missing proposal not reported: %v", err)
	}

	// AUTO_EXPIRE_TEST needs a TESTING row whose window has passed.
	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionAutoExpireTest, TransitionRequest{}, minedT0); errors.KindOf(err) != errors.KindTransitionNotAllowed {
		t.Fatalf("expire allowed from NEW: %v", err)
	}
	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0); err != nil {
		t.Fatalf("test failed: %v", err)
	}
	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionAutoExpireTest,
		TransitionRequest{}, minedT0.Add(time.Hour)); errors.KindOf(err) != errors.KindTransitionNotAllowed {
		t.Fatalf("expire allowed before the window passed: %v", err)
	}
	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0.Add(time.Hour)); errors.KindOf(err) != errors.KindTransitionNotAllowed {
		t.Fatalf("TEST allowed on a TESTING proposal: %v", err)
	}
}

func TestExpireTestsReturnsDueProposalsToNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProposal(t, s, "u1")

	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionTest,
		TransitionRequest{Actor: "nurse-1", Source: "ui"}, minedT0); err != nil {
		t.Fatalf("test failed: %v", err)
	}

	// One day before the window ends nothing expires.
	n, err := s.ExpireTests(ctx, minedT0.Add(6*24*time.Hour))
	if err != nil {
		t.Fatalf("expiry failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired too early: %d", n)
	}

	sweepAt := minedT0.Add(8 * 24 * time.Hour)
	n, err = s.ExpireTests(ctx, sweepAt)
	if err != nil {
		t.Fatalf("expiry failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	got, err := s.Get(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != models.ProposalNew {
		t.Fatalf("expired proposal not NEW: %s", got.State)
	}
	if got.TestStartedAt != nil || got.TestUntil != nil {
		t.Fatalf("test window not cleared: %+v", got)
	}
	if got.LastActor != "" || got.LastSource != "system" || got.LastNote != noteTestExpired {
		t.Fatalf("system annotation missing: %+v", got)
	}
	if !got.UpdatedAt.Equal(sweepAt) {
		t.Fatalf("updated_at not advanced: %v", got.UpdatedAt)
	}

	// Audit trail newest first: the expiry, then the caregiver's TEST.
	if len(got.Actions) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(got.Actions))
	}
	if got.Actions[0].Action != models.ProposalActionAutoExpireTest ||
		got.Actions[0].PrevState != models.ProposalTesting ||
		got.Actions[0].NewState != models.ProposalNew ||
		got.Actions[0].Source != "system" {
		t.Fatalf("expiry audit entry wrong: %+v", got.Actions[0])
	}
	if got.Actions[1].Action != models.ProposalActionTest ||
		got.Actions[1].PrevState != models.ProposalNew ||
		got.Actions[1].NewState != models.ProposalTesting ||
		got.Actions[1].Actor != "nurse-1" {
		t.Fatalf("test audit entry wrong: %+v", got.Actions[1])
	}

	// The returned proposal can enter a new test round.
	if _, err := s.Transition(ctx, p.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, sweepAt.Add(time.Hour)); err != nil {
		t.Fatalf("re-test after expiry failed: %v", err)
	}
}

func TestExpireTestsSkipsActiveAndFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := seedProposal(t, s, "u1")
	if _, err := s.Transition(ctx, fresh.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0.Add(5*24*time.Hour)); err != nil {
		t.Fatalf("test failed: %v", err)
	}

	activated, err := s.Upsert(ctx, mined("u2", "night_activity:all"), minedT0)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.Transition(ctx, activated.ProposalID, models.ProposalActionTest,
		TransitionRequest{Source: "ui"}, minedT0); err != nil {
		t.Fatalf("test failed: %v", err)
	}
	if _, err := s.Transition(ctx, activated.ProposalID, models.ProposalActionActivate,
		TransitionRequest{Source: "ui"}, minedT0.Add(time.Hour)); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	// Eight days in, only rows still TESTING with a passed window expire.
	n, err := s.ExpireTests(ctx, minedT0.Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("expiry failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired rows it should have skipped: %d", n)
	}
}
