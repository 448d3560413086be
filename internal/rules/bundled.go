package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// Bundled rule ids.
const (
	RuleNoMotion          = "R-001"
	RuleDoorAtNight       = "R-002"
	RuleDoorNoMotionAfter = "R-003"
)

// Bundled rule parameter defaults.
const (
	DefaultNightStart      = "23:00:00"
	DefaultNightEnd        = "06:00:00"
	DefaultFollowupMinutes = 10
)

// BundledOptions parameterizes the three shipped rules. Zero values fall back
// to the defaults above; Zone falls back to the pipeline zone.
type BundledOptions struct {
	Zone            *time.Location
	NightStart      string
	NightEnd        string
	FollowupMinutes int
}

// BundledOptionsFromParams builds options from the per-rule parameter maps in
// the rule configuration: R-002's night_window.{start,end}_local_time and
// R-003's followup_minutes. Missing or malformed entries keep the defaults.
func BundledOptionsFromParams(zone *time.Location, doorNight, doorFollowup map[string]any) BundledOptions {
	opts := BundledOptions{Zone: zone}
	if nw, ok := doorNight["night_window"].(map[string]any); ok {
		opts.NightStart = paramString(nw, "start_local_time")
		opts.NightEnd = paramString(nw, "end_local_time")
	}
	opts.FollowupMinutes = paramInt(doorFollowup, "followup_minutes")
	return opts
}

func paramString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func paramInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bundled returns a registry with R-001, R-002 and R-003 registered in order.
func Bundled(opts BundledOptions) *Registry {
	if opts.Zone == nil {
		opts.Zone = time.UTC
	}
	if opts.NightStart == "" {
		opts.NightStart = DefaultNightStart
	}
	if opts.NightEnd == "" {
		opts.NightEnd = DefaultNightEnd
	}
	if opts.FollowupMinutes <= 0 {
		opts.FollowupMinutes = DefaultFollowupMinutes
	}

	reg := NewRegistry()
	reg.Register(NoMotion())
	reg.Register(DoorAtNight(opts.Zone, opts.NightStart, opts.NightEnd))
	reg.Register(DoorNoMotionAfter(time.Duration(opts.FollowupMinutes) * time.Minute))
	return reg
}

// NoMotion (R-001): one MEDIUM deviation when the window holds no motion
// events at all.
func NoMotion() Rule {
	return Rule{
		ID: RuleNoMotion,
		Evaluate: func(ctx context.Context, r Reader, since, until, now time.Time) ([]models.Deviation, error) {
			rows, err := r.Query(ctx, since, until, events.QueryOptions{Category: models.CategoryMotion, Limit: 1})
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				return nil, nil
			}
			return []models.Deviation{newDeviation(
				RuleNoMotion,
				models.SeverityMedium,
				"Ingen bevegelse registrert i valgt tidsvindu",
				"Det finnes ingen motion-hendelser i vurdert tidsvindu. Sjekk sensor, dekning eller om personen har vært inaktiv/ute.",
				nil,
				since, until, now,
			)}, nil
		},
	}
}

// DoorAtNight (R-002): one HIGH deviation when any door opens inside the
// night window. The window is compared on the local clock and may cross
// midnight.
func DoorAtNight(zone *time.Location, nightStart, nightEnd string) Rule {
	return Rule{
		ID: RuleDoorAtNight,
		Evaluate: func(ctx context.Context, r Reader, since, until, now time.Time) ([]models.Deviation, error) {
			rows, err := r.Query(ctx, since, until, events.QueryOptions{Category: models.CategoryDoor})
			if err != nil {
				return nil, err
			}

			triggered := false
			var evidence []string
			for _, ev := range rows {
				if stateOf(ev.Payload) != "open" {
					continue
				}
				if !timeutil.InLocalClockWindow(ev.Timestamp, zone, nightStart, nightEnd) {
					continue
				}
				triggered = true
				evidence = append(evidence, ev.ID)
			}
			if !triggered {
				return nil, nil
			}

			return []models.Deviation{newDeviation(
				RuleDoorAtNight,
				models.SeverityHigh,
				"Ytterdør åpnet på natt",
				"Det er registrert at ytterdør ble åpnet i nattetid. Sjekk om dette var forventet.",
				evidence,
				since, until, now,
			)}, nil
		},
	}
}

// DoorNoMotionAfter (R-003): the front door opens and no motion=on follows
// within the follow-up window. The first hit emits one MEDIUM deviation and
// stops the scan.
func DoorNoMotionAfter(followup time.Duration) Rule {
	minutes := int(followup / time.Minute)
	return Rule{
		ID: RuleDoorNoMotionAfter,
		Evaluate: func(ctx context.Context, r Reader, since, until, now time.Time) ([]models.Deviation, error) {
			doors, err := r.Query(ctx, since, until, events.QueryOptions{Category: models.CategoryDoor})
			if err != nil {
				return nil, err
			}

			var evidence []string
			triggered := false
			for _, d := range doors {
				if stateOf(d.Payload) != "open" || d.Payload.Door() != "front" {
					continue
				}

				motions, err := r.Query(ctx, d.Timestamp, d.Timestamp.Add(followup), events.QueryOptions{Category: models.CategoryMotion})
				if err != nil {
					return nil, err
				}
				followed := false
				for _, m := range motions {
					if stateOf(m.Payload) == "on" {
						followed = true
						break
					}
				}
				if followed {
					continue
				}

				triggered = true
				evidence = append(evidence, d.ID)
				break
			}
			if !triggered {
				return nil, nil
			}

			return []models.Deviation{newDeviation(
				RuleDoorNoMotionAfter,
				models.SeverityMedium,
				"Mulig uvanlig hendelse etter dør",
				fmt.Sprintf("Døren ble åpnet, men systemet registrerte ingen bevegelse i de neste %d minuttene. Det kan være at personen gikk ut, falt, eller at sensorer ikke registrerte aktivitet.", minutes),
				evidence,
				since, until, now,
			)}, nil
		},
	}
}
