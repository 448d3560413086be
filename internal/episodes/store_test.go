package episodes

import (
	"context"
	"testing"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

func newTestStores(t *testing.T) (*events.Store, *Store) {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return events.NewStore(db), NewStore(db)
}

func sampleEpisode(room string, start time.Time, durS int) *models.Episode {
	ep := &models.Episode{
		Room:            room,
		StartTS:         start,
		EndTS:           start.Add(time.Duration(durS) * time.Second),
		DurationS:       durS,
		PrimarySensor:   "motion." + room,
		SensorSet:       []string{"motion." + room},
		Total:           3,
		Motion:          3,
		EventRatePerMin: float64(3) / (float64(durS) / 60.0),
		CloseReason:     models.CloseTimeout,
		TimeoutS:        90,
		Quality:         models.QualityLow,
		QualityFlags:    []string{"missing_off"},
		TodBucket:       "morning",
		Weekday:         3,
	}
	Classify(ep)
	return ep
}

func TestUpsertInsertThenRefresh(t *testing.T) {
	_, store := newTestStores(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	ep := sampleEpisode("stue", start, 120)
	res, err := store.Upsert(ctx, []*models.Episode{ep})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ep.EpisodeID == "" {
		t.Fatal("episode id was not assigned")
	}
	firstID := ep.EpisodeID

	// A rebuild that extends the same episode keeps the id and refreshes
	// the row.
	longer := sampleEpisode("stue", start, 300)
	res, err = store.Upsert(ctx, []*models.Episode{longer})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if longer.EpisodeID != firstID {
		t.Fatalf("episode id changed on refresh: %s != %s", longer.EpisodeID, firstID)
	}

	got, err := store.List(ctx, ListOptions{Room: "stue"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(got))
	}
	if got[0].DurationS != 300 {
		t.Fatalf("row was not refreshed: duration %d", got[0].DurationS)
	}
}

func TestUpsertRoundTripsFields(t *testing.T) {
	_, store := newTestStores(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	doorBefore := 15
	ep := sampleEpisode("gang", start, 60)
	ep.DoorBeforeS = &doorBefore
	ep.DoorDuring = true
	ep.FirstEventID = "ev-1"
	ep.LastEventID = "ev-9"

	if _, err := store.Upsert(ctx, []*models.Episode{ep}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, err := store.List(ctx, ListOptions{Room: "gang"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(got))
	}

	e := got[0]
	if e.DoorBeforeS == nil || *e.DoorBeforeS != 15 {
		t.Fatalf("door_before_s lost: %+v", e.DoorBeforeS)
	}
	if !e.DoorDuring {
		t.Fatal("door_during lost")
	}
	if e.DoorAfterS != nil {
		t.Fatal("door_after_s should stay nil")
	}
	if e.FirstEventID != "ev-1" || e.LastEventID != "ev-9" {
		t.Fatalf("event linkage lost: %s %s", e.FirstEventID, e.LastEventID)
	}
	if e.ClassifierVersion != models.ClassifierVersion {
		t.Fatalf("classifier version lost: %s", e.ClassifierVersion)
	}
	if len(e.Reasons) != len(ep.Reasons) {
		t.Fatalf("reasons lost: %d != %d", len(e.Reasons), len(ep.Reasons))
	}
	if !e.StartTS.Equal(start) || !e.EndTS.Equal(start.Add(60*time.Second)) {
		t.Fatalf("timestamps drifted: %v %v", e.StartTS, e.EndTS)
	}
}

func TestOverlappingWindow(t *testing.T) {
	_, store := newTestStores(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	eps := []*models.Episode{
		sampleEpisode("stue", base, 300),                    // 09:00:00 - 09:05:00
		sampleEpisode("stue", base.Add(10*time.Minute), 60), // 09:10:00 - 09:11:00
		sampleEpisode("bad", base.Add(2*time.Minute), 60),   // other room
	}
	if _, err := store.Upsert(ctx, eps); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Bucket 09:04 - 09:08 overlaps only the first stue episode.
	got, err := store.Overlapping(ctx, "stue", base.Add(4*time.Minute), base.Add(8*time.Minute))
	if err != nil {
		t.Fatalf("overlapping failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 overlapping episode, got %d", len(got))
	}
	if !got[0].StartTS.Equal(base) {
		t.Fatalf("wrong episode: %v", got[0].StartTS)
	}
}

func TestPrevRoomAcrossRooms(t *testing.T) {
	_, store := newTestStores(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	eps := []*models.Episode{
		sampleEpisode("soverom", base, 60),                 // ends 09:01
		sampleEpisode("gang", base.Add(5*time.Minute), 60), // ends 09:06
	}
	if _, err := store.Upsert(ctx, eps); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	room, err := store.PrevRoom(ctx, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("prev room failed: %v", err)
	}
	if room != "gang" {
		t.Fatalf("expected gang, got %q", room)
	}

	room, err = store.PrevRoom(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("prev room failed: %v", err)
	}
	if room != "soverom" {
		t.Fatalf("expected soverom, got %q", room)
	}

	room, err = store.PrevRoom(ctx, base)
	if err != nil {
		t.Fatalf("prev room failed: %v", err)
	}
	if room != "" {
		t.Fatalf("expected no previous room, got %q", room)
	}
}

func TestRebuildServiceEndToEnd(t *testing.T) {
	eventStore, store := newTestStores(t)
	svc := NewService(eventStore, store)
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	for _, ev := range []*models.RawEvent{
		presenceEvent("e1", "stue", "on", start),
		motionEvent("e2", "stue", start.Add(30*time.Second)),
		presenceEvent("e3", "stue", "off", start.Add(90*time.Second)),
		// Heartbeats must not participate in segmentation.
		{ID: "hb", Timestamp: start.Add(40 * time.Second), Category: models.CategoryHeartbeat, Payload: models.Payload{"room": "stue"}},
	} {
		if _, err := eventStore.Ingest(ctx, ev); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}

	sum, err := svc.Rebuild(ctx, start.Add(-time.Hour), start.Add(time.Hour))
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if sum.Built != 1 || sum.Inserted != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	// Re-running the same window refreshes rather than duplicates.
	sum, err = svc.Rebuild(ctx, start.Add(-time.Hour), start.Add(time.Hour))
	if err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	if sum.Inserted != 0 || sum.Updated != 1 {
		t.Fatalf("rebuild is not idempotent: %+v", sum)
	}

	got, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(got))
	}
	if got[0].Total != 3 {
		t.Fatalf("heartbeat leaked into counts: total=%d", got[0].Total)
	}
	if got[0].Class == "" {
		t.Fatal("episode was not classified")
	}
}
