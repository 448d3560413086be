// Package episodes segments the raw event stream into per-room activity
// episodes and classifies each one as human, pet, or unknown.
package episodes

import (
	"math"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

const (
	// Inactivity timeouts: an episode that saw an occupied presence reading
	// gets the longer window before it is considered over.
	activeTimeoutS   = 90
	presenceTimeoutS = 180

	// Door events this close to an episode boundary count as context.
	doorContextWindowS = 60
)

// draft is an episode under construction.
type draft struct {
	room          string
	primarySensor string
	sensorSet     []string

	startTS        time.Time
	lastActivityTS time.Time
	endTS          time.Time

	total       int
	motion      int
	presenceOn  int
	presenceOff int

	doorBeforeS *int
	doorDuring  bool
	doorAfterS  *int

	firstEventID string
	lastEventID  string

	sawPresenceOn bool
	closeReason   string
	timeoutS      int
	quality       string
	qualityFlags  []string
}

// Builder runs the per-room segmentation state machine over an event stream
// ordered by (timestamp, seq). Feed events with Observe, then call Flush to
// force-close whatever is still open and collect the finished episodes.
type Builder struct {
	open     map[string]*draft
	doors    map[string][]*models.RawEvent
	finished []*draft
}

func NewBuilder() *Builder {
	return &Builder{
		open:  make(map[string]*draft),
		doors: make(map[string][]*models.RawEvent),
	}
}

// Observe advances the state machine by one event. Events without a room are
// ignored; a door event with no open episode is kept only as boundary context.
func (b *Builder) Observe(ev *models.RawEvent) {
	room := ev.Payload.Room()
	if room == "" {
		return
	}
	if ev.IsDoor() {
		b.doors[room] = append(b.doors[room], ev)
	}

	// An open episode in this room may have timed out before this event.
	b.maybeTimeoutClose(ev.Timestamp, room)

	ep := b.open[room]
	if ep == nil {
		if !ev.IsPresenceOn() && !ev.IsMotion() {
			return
		}
		primary := ev.Payload.EntityID()
		if primary == "" {
			primary = ev.Category
		}
		ep = &draft{
			room:           room,
			primarySensor:  primary,
			sensorSet:      []string{primary},
			startTS:        ev.Timestamp,
			lastActivityTS: ev.Timestamp,
			firstEventID:   ev.ID,
			lastEventID:    ev.ID,
			total:          1,
			quality:        models.QualityMedium,
		}
		if ev.IsMotion() {
			ep.motion = 1
		}
		if ev.IsPresenceOn() {
			ep.presenceOn = 1
			ep.sawPresenceOn = true
			ep.quality = models.QualityHigh
		}
		b.open[room] = ep
		return
	}

	ep.total++
	ep.lastEventID = ev.ID
	if eid := ev.Payload.EntityID(); eid != "" && !contains(ep.sensorSet, eid) {
		ep.sensorSet = append(ep.sensorSet, eid)
	}

	switch {
	case ev.IsMotion():
		ep.motion++
		ep.lastActivityTS = ev.Timestamp
	case ev.IsPresenceOn():
		ep.presenceOn++
		ep.sawPresenceOn = true
		ep.lastActivityTS = ev.Timestamp
	case ev.IsPresenceOff():
		ep.presenceOff++
		// An off reading only ends the episode when an on reading opened it;
		// a stray off after a motion-only start is just counted.
		if ep.sawPresenceOn {
			b.close(ep, ev.Timestamp, models.CloseOffEvent)
			delete(b.open, room)
		}
	case ev.IsDoor():
		// Doors mark context, not activity: the inactivity clock keeps running.
		ep.doorDuring = true
	}
}

// Flush force-closes every still-open episode by timeout and returns all
// finished episodes with door context attached, in close order.
func (b *Builder) Flush() []*models.Episode {
	for room, ep := range b.open {
		ep.timeoutS = timeoutFor(ep)
		b.close(ep, ep.lastActivityTS.Add(time.Duration(ep.timeoutS)*time.Second), models.CloseTimeout)
		delete(b.open, room)
	}

	out := make([]*models.Episode, 0, len(b.finished))
	for _, ep := range b.finished {
		b.attachDoorContext(ep)
		out = append(out, ep.toEpisode())
	}
	return out
}

func (b *Builder) maybeTimeoutClose(now time.Time, room string) {
	ep := b.open[room]
	if ep == nil {
		return
	}
	ep.timeoutS = timeoutFor(ep)
	gap := now.Sub(ep.lastActivityTS).Seconds()
	if gap >= float64(ep.timeoutS) {
		b.close(ep, ep.lastActivityTS.Add(time.Duration(ep.timeoutS)*time.Second), models.CloseTimeout)
		delete(b.open, room)
	}
}

func (b *Builder) close(ep *draft, endTS time.Time, reason string) {
	ep.endTS = endTS
	ep.closeReason = reason
	switch reason {
	case models.CloseOffEvent:
		ep.quality = models.QualityHigh
	case models.CloseTimeout:
		ep.quality = models.QualityLow
		if !contains(ep.qualityFlags, "missing_off") {
			ep.qualityFlags = append(ep.qualityFlags, "missing_off")
		}
	}
	b.finished = append(b.finished, ep)
}

func timeoutFor(ep *draft) int {
	if ep.sawPresenceOn {
		return presenceTimeoutS
	}
	return activeTimeoutS
}

// attachDoorContext finds the nearest door event within the context window on
// each side of the episode: the latest door at or before the start, and the
// earliest door at or after the end.
func (b *Builder) attachDoorContext(ep *draft) {
	doors := b.doors[ep.room]

	var bestBefore *models.RawEvent
	for _, d := range doors {
		if !d.Timestamp.After(ep.startTS) && ep.startTS.Sub(d.Timestamp).Seconds() <= doorContextWindowS {
			if bestBefore == nil || d.Timestamp.After(bestBefore.Timestamp) {
				bestBefore = d
			}
		}
	}
	if bestBefore != nil {
		ep.doorBeforeS = intPtr(int(ep.startTS.Sub(bestBefore.Timestamp).Seconds()))
	}

	var bestAfter *models.RawEvent
	for _, d := range doors {
		if !d.Timestamp.Before(ep.endTS) && d.Timestamp.Sub(ep.endTS).Seconds() <= doorContextWindowS {
			if bestAfter == nil || d.Timestamp.Before(bestAfter.Timestamp) {
				bestAfter = d
			}
		}
	}
	if bestAfter != nil {
		ep.doorAfterS = intPtr(int(bestAfter.Timestamp.Sub(ep.endTS).Seconds()))
	}
}

func (ep *draft) toEpisode() *models.Episode {
	durS := int(math.Round(ep.endTS.Sub(ep.startTS).Seconds()))
	if durS < 0 {
		durS = 0
	}
	rate := 0.0
	if durS > 0 {
		rate = float64(ep.total) / (float64(durS) / 60.0)
	}

	flags := ep.qualityFlags
	if flags == nil {
		flags = []string{}
	}

	return &models.Episode{
		Room:            ep.room,
		StartTS:         ep.startTS,
		EndTS:           ep.endTS,
		DurationS:       durS,
		PrimarySensor:   ep.primarySensor,
		SensorSet:       ep.sensorSet,
		Total:           ep.total,
		Motion:          ep.motion,
		PresenceOn:      ep.presenceOn,
		PresenceOff:     ep.presenceOff,
		EventRatePerMin: rate,
		CloseReason:     ep.closeReason,
		TimeoutS:        ep.timeoutS,
		Quality:         ep.quality,
		QualityFlags:    flags,
		DoorBeforeS:     ep.doorBeforeS,
		DoorDuring:      ep.doorDuring,
		DoorAfterS:      ep.doorAfterS,
		TodBucket:       timeutil.TODBucket(ep.startTS),
		Weekday:         timeutil.ISOWeekday(ep.startTS),
		FirstEventID:    ep.firstEventID,
		LastEventID:     ep.lastEventID,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intPtr(v int) *int { return &v }
