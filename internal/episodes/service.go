package episodes

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// Service rebuilds the episode table from the raw event stream.
type Service struct {
	events *events.Store
	store  *Store
}

func NewService(eventStore *events.Store, store *Store) *Service {
	return &Service{events: eventStore, store: store}
}

// RebuildSummary reports one rebuild run.
type RebuildSummary struct {
	Events   int `json:"events"`
	Built    int `json:"built"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Rebuild segments and classifies all events in [since, until) and writes the
// resulting episodes. Safe to call with overlapping windows: episodes keep
// their (room, start) identity and get refreshed in place.
func (s *Service) Rebuild(ctx context.Context, since, until time.Time) (RebuildSummary, error) {
	var sum RebuildSummary

	evs, err := s.events.Query(ctx, since, until, events.QueryOptions{})
	if err != nil {
		return sum, err
	}
	sum.Events = len(evs)

	b := NewBuilder()
	for _, ev := range evs {
		switch ev.Category {
		case models.CategoryPresence, models.CategoryMotion, models.CategoryDoor:
			b.Observe(ev)
		}
	}
	eps := b.Flush()
	sum.Built = len(eps)

	for _, ep := range eps {
		Classify(ep)
	}

	res, err := s.store.Upsert(ctx, eps)
	if err != nil {
		return sum, err
	}
	sum.Inserted = res.Inserted
	sum.Updated = res.Updated

	log.Debug().
		Time("since", since).
		Time("until", until).
		Int("events", sum.Events).
		Int("built", sum.Built).
		Int("inserted", sum.Inserted).
		Int("updated", sum.Updated).
		Msg("episodes rebuilt")
	return sum, nil
}
