package episodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// Classify fills the classification fields of a finished episode using the
// deterministic rules_v1 scorer. Unknown stays first-class: a human or pet
// call needs a clear margin over it, otherwise the episode is kept unknown
// with an explicit low-confidence reason.
func Classify(ep *models.Episode) {
	durS := ep.DurationS
	rate := ep.EventRatePerMin
	sawPresenceOn := ep.PresenceOn >= 1

	var reasons []models.ClassReason
	add := func(code, direction string, weight float64, evidence map[string]any) {
		reasons = append(reasons, models.ClassReason{
			Code:      code,
			Direction: direction,
			Weight:    weight,
			Evidence:  evidence,
		})
	}

	// Base scores, not probabilities yet. Unknown starts ahead so it wins
	// when evidence is weak.
	sH, sP, sU := 0.0, 0.0, 0.40

	doorBeforeNear := ep.DoorBeforeS != nil && *ep.DoorBeforeS <= doorContextWindowS
	doorAfterNear := ep.DoorAfterS != nil && *ep.DoorAfterS <= doorContextWindowS
	doorNear := doorBeforeNear || ep.DoorDuring || doorAfterNear

	// Door traffic around the boundary strongly suggests a person.
	if doorBeforeNear {
		w := 0.55
		sH += w
		add("DOOR_BEFORE_START", models.ClassHuman, w, map[string]any{
			"door_before_s": *ep.DoorBeforeS,
			"window_s":      doorContextWindowS,
		})
	}
	if ep.DoorDuring {
		w := 0.35
		sH += w
		add("DOOR_DURING_EPISODE", models.ClassHuman, w, map[string]any{
			"door_during": true,
		})
	}
	if doorAfterNear {
		w := 0.20
		sH += w
		add("DOOR_AFTER_END", models.ClassHuman, w, map[string]any{
			"door_after_s": *ep.DoorAfterS,
			"window_s":     doorContextWindowS,
		})
	}

	// A timeout close means the ending was inferred, not observed.
	if ep.CloseReason == models.CloseTimeout {
		w := 0.25
		sU += w
		add("TIMEOUT_CLOSE", models.ClassUnknown, w, map[string]any{
			"timeout_s": ep.TimeoutS,
		})
	}

	// Very short complete presence blip with no door context tends to be pet.
	if !doorNear && sawPresenceOn && ep.PresenceOff >= 1 && durS <= 12 {
		w := 0.35
		sP += w
		add("PRESENCE_BLIP_VERY_SHORT_NO_DOOR", models.ClassPet, w, map[string]any{
			"duration_s":   durS,
			"presence_on":  ep.PresenceOn,
			"presence_off": ep.PresenceOff,
			"door_near":    false,
		})
	}

	// Short, busy, and nobody used a door: pet-weighted.
	if !doorNear && durS <= 45 && rate >= 6.0 {
		w := 0.55
		sP += w
		add("SHORT_HIGH_RATE_NO_DOOR", models.ClassPet, w, map[string]any{
			"duration_s":         durS,
			"event_rate_per_min": rate,
			"rate_threshold":     6.0,
			"door_near":          false,
		})
	}

	// A complete on/off presence episode gets a mild human default so common
	// cases do not end up with no reasons at all.
	if sawPresenceOn && ep.PresenceOff >= 1 && durS >= 20 {
		w := 0.08
		sH += w
		add("COMPLETE_PRESENCE_EPISODE_DEFAULT", models.ClassHuman, w, map[string]any{
			"duration_s":   durS,
			"presence_on":  ep.PresenceOn,
			"presence_off": ep.PresenceOff,
		})
	}

	// Longer stable presence with a clean ending, mildly human-weighted.
	if sawPresenceOn && ep.PresenceOff >= 1 && durS >= 120 {
		w := 0.25
		sH += w
		add("LONG_PRESENCE_ON_OFF", models.ClassHuman, w, map[string]any{
			"duration_s":   durS,
			"presence_on":  ep.PresenceOn,
			"presence_off": ep.PresenceOff,
		})
	}

	// Presence without motion at a very low rate: mild human, unknown can
	// still win.
	if ep.PresenceOn >= 1 && ep.Motion == 0 && rate <= 1.0 && durS >= 60 {
		w := 0.12
		sH += w
		add("PRESENCE_ONLY_LOW_RATE", models.ClassHuman, w, map[string]any{
			"event_rate_per_min": rate,
			"motion":             ep.Motion,
		})
	}

	// Extreme short bursts are usually pet or sensor noise.
	if rate >= 12.0 && durS <= 60 && !doorNear {
		w := 0.25
		sP += w
		add("VERY_HIGH_RATE_BURST", models.ClassPet, w, map[string]any{
			"event_rate_per_min": rate,
			"duration_s":         durS,
			"door_near":          false,
		})
	}

	reasons = dedupeReasons(reasons)

	// Normalize the score mix into probabilities.
	var pH, pP, pU float64
	if total := sH + sP + sU; total > 0 {
		pH, pP, pU = sH/total, sP/total, sU/total
	} else {
		pU = 1.0
	}

	// Guardrails: a human or pet call must be clearly ahead of unknown.
	best, bestP := models.ClassHuman, pH
	if pP > bestP {
		best, bestP = models.ClassPet, pP
	}
	if pU > bestP {
		best, bestP = models.ClassUnknown, pU
	}

	class := models.ClassUnknown
	if best != models.ClassUnknown {
		if bestP >= 0.55 && bestP-pU >= 0.10 {
			class = best
		} else {
			add("LOW_CONFIDENCE", models.ClassUnknown, 0.20, map[string]any{
				"p_human":   pH,
				"p_pet":     pP,
				"p_unknown": pU,
			})
		}
	}

	pH, pP, pU = clamp01(pH), clamp01(pP), clamp01(pU)
	if z := pH + pP + pU; z > 0 {
		pH, pP, pU = pH/z, pP/z, pU/z
	}

	summary := "no_reasons"
	if len(reasons) > 0 {
		codes := make([]string, 0, 3)
		for _, r := range reasons {
			codes = append(codes, r.Code)
			if len(codes) == 3 {
				break
			}
		}
		summary = strings.Join(codes, ", ")
	}

	ep.Class = class
	ep.PHuman = pH
	ep.PPet = pP
	ep.PUnknown = pU
	ep.Reasons = reasons
	ep.ReasonSummary = summary
	ep.ClassifierVersion = models.ClassifierVersion
	ep.ScoreDebug = map[string]any{
		"event_rate_per_min": rate,
		"duration_s":         durS,
		"close_reason":       ep.CloseReason,
		"timeout_s":          ep.TimeoutS,
	}
}

// dedupeReasons drops repeated evidence, keyed by code, direction, and the
// serialized evidence payload.
func dedupeReasons(reasons []models.ClassReason) []models.ClassReason {
	seen := make(map[string]bool, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		ev, err := json.Marshal(r.Evidence)
		if err != nil {
			ev = []byte(fmt.Sprintf("%v", r.Evidence))
		}
		key := r.Code + "|" + r.Direction + "|" + string(ev)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
