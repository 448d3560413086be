// Package occupancy estimates whether the monitored person is home.
// The estimator replays door and presence events in timestamp order and
// applies a small set of decision rules at every event and once more at
// now. HOME and AWAY both hold until the opposite side wins; UNKNOWN only
// appears before the first decision.
package occupancy

import (
	"sort"
	"strings"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// Params tunes the estimator. Zero or empty fields fall back to the
// defaults from DefaultParams.
type Params struct {
	// ExitQuiet is how long the home must stay quiet after a completed
	// front-door open/close before the state flips to AWAY.
	ExitQuiet time.Duration
	// EntryWindow is how soon after a front-door open a primary-room
	// presence reading must follow to end an AWAY stretch.
	EntryWindow time.Duration
	// OpenCloseMax caps the open-to-close gap that still counts as one
	// exit sequence.
	OpenCloseMax time.Duration
	// StrongRooms are rooms where a presence "on" alone proves HOME.
	StrongRooms []string
	// PrimaryRooms are the rooms someone reaches first after the front
	// door.
	PrimaryRooms []string
	// FrontDoor matches the door designator in the event payload.
	FrontDoor string
}

// DefaultParams returns the pilot-home tuning.
func DefaultParams() Params {
	return Params{
		ExitQuiet:    60 * time.Minute,
		EntryWindow:  7 * time.Minute,
		OpenCloseMax: 120 * time.Second,
		StrongRooms:  []string{"soverom", "stue", "kjøkken", "bad"},
		PrimaryRooms: []string{"gang", "stue"},
		FrontDoor:    "front",
	}
}

// Estimator replays the event window and decides HOME, AWAY or UNKNOWN.
// Safe for concurrent use; all replay state is per call.
type Estimator struct {
	params  Params
	strong  map[string]bool
	primary map[string]bool
	front   string
}

func NewEstimator(params Params) *Estimator {
	def := DefaultParams()
	if params.ExitQuiet <= 0 {
		params.ExitQuiet = def.ExitQuiet
	}
	if params.EntryWindow <= 0 {
		params.EntryWindow = def.EntryWindow
	}
	if params.OpenCloseMax <= 0 {
		params.OpenCloseMax = def.OpenCloseMax
	}
	if len(params.StrongRooms) == 0 {
		params.StrongRooms = def.StrongRooms
	}
	if len(params.PrimaryRooms) == 0 {
		params.PrimaryRooms = def.PrimaryRooms
	}
	if params.FrontDoor == "" {
		params.FrontDoor = def.FrontDoor
	}
	return &Estimator{
		params:  params,
		strong:  roomSet(params.StrongRooms),
		primary: roomSet(params.PrimaryRooms),
		front:   strings.ToLower(params.FrontDoor),
	}
}

// Estimate is the outcome of one replay.
type Estimate struct {
	State                string     `json:"state"`
	Since                *time.Time `json:"since,omitempty"`
	StrongRoomsOn        []string   `json:"strong_rooms_on"`
	LastFrontOpenAt      *time.Time `json:"last_front_open_at,omitempty"`
	LastExitCloseAt      *time.Time `json:"last_exit_close_at,omitempty"`
	LastStrongPresenceAt *time.Time `json:"last_strong_presence_at,omitempty"`
	EventsSeen           int        `json:"events_seen"`
}

type presenceState struct {
	room string
	on   bool
}

// Estimate replays events, which must be ordered by (timestamp, seq), and
// returns the occupancy at now. Events after now are ignored. Presence is
// reconstructed per entity: an "on" persists until that entity's next
// "off". A completed front-door open/close within OpenCloseMax arms the
// AWAY rule, which fires once ExitQuiet has passed with no strong-room
// presence after the close.
func (e *Estimator) Estimate(evs []*models.RawEvent, now time.Time) Estimate {
	var (
		entities     = map[string]*presenceState{}
		state        = models.OccupancyUnknown
		since        time.Time
		pendingOpen  time.Time // front-door open waiting for its close
		lastOpen     time.Time
		exitClose    time.Time // completed exit sequence; cleared on re-entry
		lastStrongOn time.Time
		seen         int
	)

	strongOn := func() []string {
		set := map[string]bool{}
		for _, p := range entities {
			if p.on && e.strong[p.room] {
				set[p.room] = true
			}
		}
		rooms := make([]string, 0, len(set))
		for r := range set {
			rooms = append(rooms, r)
		}
		sort.Strings(rooms)
		return rooms
	}

	evaluate := func(t time.Time) {
		next := state
		switch {
		case len(strongOn()) > 0:
			next = models.OccupancyHome
		case !exitClose.IsZero() && !t.Before(exitClose.Add(e.params.ExitQuiet)) && !lastStrongOn.After(exitClose):
			next = models.OccupancyAway
		}
		if next != state {
			since = t
			if next == models.OccupancyAway {
				// The home has been empty since the exit, not since the
				// rule happened to run.
				since = exitClose
			}
			state = next
		}
	}

	for _, ev := range evs {
		ts := ev.Timestamp
		if ts.After(now) {
			break
		}

		switch {
		case ev.IsDoor() && strings.ToLower(ev.Payload.Door()) == e.front:
			seen++
			switch strings.ToLower(ev.Payload.State()) {
			case "open":
				pendingOpen = ts
				lastOpen = ts
			case "closed":
				if !pendingOpen.IsZero() && ts.Sub(pendingOpen) <= e.params.OpenCloseMax {
					exitClose = ts
				}
				pendingOpen = time.Time{}
			}
		case ev.Category == models.CategoryPresence:
			seen++
			key := ev.Payload.EntityID()
			room := strings.ToLower(ev.Payload.Room())
			if key == "" {
				// Room-level sensors without an entity id track per room.
				key = "room:" + room
			}
			p := entities[key]
			if p == nil {
				p = &presenceState{}
				entities[key] = p
			}
			if room != "" {
				p.room = room
			}
			switch {
			case ev.IsPresenceOn():
				p.on = true
				if e.strong[p.room] {
					lastStrongOn = ts
				}
				if state == models.OccupancyAway && e.primary[p.room] &&
					!lastOpen.IsZero() && ts.Sub(lastOpen) <= e.params.EntryWindow {
					// Front door followed by a primary-room reading: the
					// person is back, and the old exit no longer counts.
					state = models.OccupancyHome
					since = ts
					exitClose = time.Time{}
				}
			case ev.IsPresenceOff():
				p.on = false
			}
		default:
			continue
		}
		evaluate(ts)
	}
	evaluate(now)

	est := Estimate{
		State:         state,
		StrongRoomsOn: strongOn(),
		EventsSeen:    seen,
	}
	if !since.IsZero() {
		est.Since = &since
	}
	if !lastOpen.IsZero() {
		est.LastFrontOpenAt = &lastOpen
	}
	if !exitClose.IsZero() {
		est.LastExitCloseAt = &exitClose
	}
	if !lastStrongOn.IsZero() {
		est.LastStrongPresenceAt = &lastStrongOn
	}
	return est
}

// Liveness reports whether the hub has been heard from within window, and
// the instant of the newest heartbeat or snapshot at or before now.
func Liveness(evs []*models.RawEvent, now time.Time, window time.Duration) (bool, *time.Time) {
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if ev.Timestamp.After(now) {
			continue
		}
		if ev.Category != models.CategoryHeartbeat && ev.Category != models.CategoryHASnapshot {
			continue
		}
		ts := ev.Timestamp
		return now.Sub(ts) <= window, &ts
	}
	return false, nil
}

func roomSet(rooms []string) map[string]bool {
	set := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			set[r] = true
		}
	}
	return set
}
