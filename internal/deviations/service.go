package deviations

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agingos/agingos-go-rewrite/internal/config"
	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/rules"
)

// ModeResolver reports the effective monitor mode for a rule.
type ModeResolver interface {
	Resolve(ctx context.Context, monitorKey, roomID string) (string, error)
}

// RegistryBuilder assembles the rule set for one run from the active
// configuration, so parameter changes land without a restart.
type RegistryBuilder func(cfg *config.RuleConfig) *rules.Registry

// Service runs rule-engine passes: evaluate, gate on monitor mode, upsert,
// sweep. Rules are isolated; one failing rule never blocks the others.
type Service struct {
	store  *Store
	reader rules.Reader
	modes  ModeResolver

	// Build may be replaced to register additional rules.
	Build RegistryBuilder
}

func NewService(store *Store, reader rules.Reader, modes ModeResolver, zone *time.Location) *Service {
	return &Service{
		store:  store,
		reader: reader,
		modes:  modes,
		Build: func(cfg *config.RuleConfig) *rules.Registry {
			opts := rules.BundledOptionsFromParams(zone,
				cfg.Params(rules.RuleDoorAtNight), cfg.Params(rules.RuleDoorNoMotionAfter))
			return rules.Bundled(opts)
		},
	}
}

// RunSummary is the outcome of one pass.
type RunSummary struct {
	SubjectKey string            `json:"subject_key"`
	Evaluated  []string          `json:"evaluated"`
	Suppressed []string          `json:"suppressed,omitempty"`
	Failed     map[string]string `json:"failed,omitempty"`
	Deviations int               `json:"deviations"`
	Result     PersistResult     `json:"result"`
	Closed     int               `json:"closed"`
}

// RunOnce is the scheduler pass: every rule enabled in the scheduler runs in
// its own [now − lookback, now) window, then its stale records are swept with
// its own expiry. Suppressed (OFF) rules still sweep so old records age out.
func (s *Service) RunOnce(ctx context.Context, cfg *config.RuleConfig, now time.Time) (RunSummary, error) {
	reg := s.Build(cfg)
	var ids []string
	for _, id := range reg.IDs() {
		if cfg.EnabledInScheduler(id) {
			ids = append(ids, id)
		}
	}
	return s.run(ctx, cfg, reg, ids, cfg.SubjectKey(), func(id string) (time.Time, time.Time) {
		lookback := time.Duration(cfg.LookbackMinutes(id)) * time.Minute
		return now.Add(-lookback), now
	}, now)
}

// PersistWindow is the manual pass: every registered rule runs over one
// explicit window, monitor modes still apply.
func (s *Service) PersistWindow(ctx context.Context, cfg *config.RuleConfig, subjectKey string, since, until, now time.Time) (RunSummary, error) {
	if !until.After(since) {
		return RunSummary{}, errors.BadTimef("deviations.persist_window", "until must be after since")
	}
	if subjectKey == "" {
		subjectKey = cfg.SubjectKey()
	}
	reg := s.Build(cfg)
	return s.run(ctx, cfg, reg, reg.IDs(), subjectKey, func(string) (time.Time, time.Time) {
		return since, until
	}, now)
}

// EvalResult is a computed-only pass: nothing is written and monitor modes
// do not apply.
type EvalResult struct {
	Since      time.Time          `json:"since"`
	Until      time.Time          `json:"until"`
	Deviations []models.Deviation `json:"deviations"`
	Failed     map[string]string  `json:"failed,omitempty"`
}

// Evaluate runs every registered rule over an explicit window and returns
// the raw deviations without persisting them.
func (s *Service) Evaluate(ctx context.Context, cfg *config.RuleConfig, since, until, now time.Time) (EvalResult, error) {
	if !until.After(since) {
		return EvalResult{}, errors.BadTimef("deviations.evaluate", "until must be after since")
	}

	res := EvalResult{Since: since, Until: until, Deviations: []models.Deviation{}}
	reg := s.Build(cfg)
	for _, id := range reg.IDs() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rule, ok := reg.Get(id)
		if !ok {
			continue
		}
		devs, err := rule.Evaluate(ctx, s.reader, since, until, now)
		if err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id] = err.Error()
			log.Error().Err(err).Str("rule", id).Msg("rule evaluation failed")
			continue
		}
		res.Deviations = append(res.Deviations, devs...)
	}
	return res, nil
}

func (s *Service) run(ctx context.Context, cfg *config.RuleConfig, reg *rules.Registry, ids []string, subjectKey string, window func(ruleID string) (time.Time, time.Time), now time.Time) (RunSummary, error) {
	summary := RunSummary{SubjectKey: subjectKey, Evaluated: []string{}}
	seen := make(map[string]struct{})
	fail := func(id string, err error) {
		if summary.Failed == nil {
			summary.Failed = make(map[string]string)
		}
		summary.Failed[id] = err.Error()
		log.Error().Err(err).Str("rule", id).Msg("rule pass failed")
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		mode, err := s.modes.Resolve(ctx, id, "")
		if err != nil {
			fail(id, err)
			continue
		}
		if mode == models.ModeOff {
			summary.Suppressed = append(summary.Suppressed, id)
			continue
		}

		rule, ok := reg.Get(id)
		if !ok {
			continue
		}
		since, until := window(id)
		devs, err := rule.Evaluate(ctx, s.reader, since, until, now)
		if err != nil {
			fail(id, err)
			continue
		}

		res, ruleSeen, err := s.store.Persist(ctx, subjectKey, devs, mode, now)
		if err != nil {
			fail(id, err)
			continue
		}
		for k := range ruleSeen {
			seen[k] = struct{}{}
		}
		summary.Evaluated = append(summary.Evaluated, id)
		summary.Deviations += len(devs)
		summary.Result.Created += res.Created
		summary.Result.Updated += res.Updated
		summary.Result.Reopened += res.Reopened
	}

	// Per-rule sweep so each rule keeps its own expiry. Failed rules are
	// skipped: a missed evaluation must not close still-valid records.
	for _, id := range ids {
		if _, failed := summary.Failed[id]; failed {
			continue
		}
		expire := time.Duration(cfg.ExpireAfterMinutes(id)) * time.Minute
		n, err := s.store.CloseStale(ctx, subjectKey, []string{id}, seen, expire, now)
		if err != nil {
			fail(id, err)
			continue
		}
		summary.Closed += n
	}

	log.Debug().
		Str("subject", subjectKey).
		Strs("evaluated", summary.Evaluated).
		Int("deviations", summary.Deviations).
		Int("created", summary.Result.Created).
		Int("updated", summary.Result.Updated).
		Int("reopened", summary.Result.Reopened).
		Int("closed", summary.Closed).
		Msg("deviation pass complete")
	return summary, nil
}
