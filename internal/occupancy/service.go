package occupancy

import (
	"context"
	"fmt"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/events"
)

const (
	// defaultLookback bounds the replay; an absence older than this reads
	// as UNKNOWN rather than AWAY.
	defaultLookback = 24 * time.Hour
	// defaultLiveWindow tolerates a couple of missed heartbeats.
	defaultLiveWindow = 10 * time.Minute
)

// Service answers occupancy queries from the stored event stream.
type Service struct {
	store      *events.Store
	estimator  *Estimator
	lookback   time.Duration
	liveWindow time.Duration
}

func NewService(store *events.Store, estimator *Estimator) *Service {
	return &Service{
		store:      store,
		estimator:  estimator,
		lookback:   defaultLookback,
		liveWindow: defaultLiveWindow,
	}
}

// Status is the occupancy answer served to the UI.
type Status struct {
	Estimate
	IsLive       bool       `json:"is_live"`
	LastSignalAt *time.Time `json:"last_signal_at,omitempty"`
	GeneratedAt  time.Time  `json:"generated_at"`
}

// Status replays the recent event window and reports the current state
// together with hub liveness.
func (s *Service) Status(ctx context.Context, now time.Time) (*Status, error) {
	now = now.UTC()
	// The store window is half-open, so nudge until past now to keep
	// events stamped exactly now.
	evs, err := s.store.Query(ctx, now.Add(-s.lookback), now.Add(time.Microsecond), events.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load occupancy window: %w", err)
	}
	live, lastSignal := Liveness(evs, now, s.liveWindow)
	return &Status{
		Estimate:     s.estimator.Estimate(evs, now),
		IsLive:       live,
		LastSignalAt: lastSignal,
		GeneratedAt:  now,
	}, nil
}
