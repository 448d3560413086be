// Package rules holds the deterministic deviation rules and their registry.
// A rule is pure: it sees an event reader, a half-open window and now, and
// returns zero or more computed deviations.
package rules

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agingos/agingos-go-rewrite/internal/errors"
	"github.com/agingos/agingos-go-rewrite/internal/events"
	"github.com/agingos/agingos-go-rewrite/internal/models"
)

// Reader is the slice of the event store a rule may touch.
type Reader interface {
	Query(ctx context.Context, since, until time.Time, opts events.QueryOptions) ([]*models.RawEvent, error)
}

// EvalFunc evaluates one rule over [since, until). now stamps the emitted
// deviations and never widens the window.
type EvalFunc func(ctx context.Context, r Reader, since, until, now time.Time) ([]models.Deviation, error)

// Rule couples a stable id with its evaluator.
type Rule struct {
	ID       string
	Evaluate EvalFunc
}

// Registry keeps rules in registration order; scheduler runs and the evaluate
// endpoint iterate them deterministically.
type Registry struct {
	order []string
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds or replaces a rule. Replacing keeps the original position.
func (g *Registry) Register(rule Rule) {
	if _, ok := g.rules[rule.ID]; !ok {
		g.order = append(g.order, rule.ID)
	}
	g.rules[rule.ID] = rule
}

// Get returns the rule with the given id.
func (g *Registry) Get(id string) (Rule, bool) {
	r, ok := g.rules[id]
	return r, ok
}

// IDs returns the rule ids in registration order.
func (g *Registry) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// EvaluateAll runs every rule over the same window and concatenates the
// results in registration order. The first failing rule aborts; callers that
// need per-rule isolation iterate IDs and Get themselves.
func (g *Registry) EvaluateAll(ctx context.Context, r Reader, since, until, now time.Time) ([]models.Deviation, error) {
	if !until.After(since) {
		return nil, errors.BadTimef("rules.evaluate", "until must be after since")
	}

	out := []models.Deviation{}
	for _, id := range g.order {
		devs, err := g.rules[id].Evaluate(ctx, r, since, until, now)
		if err != nil {
			return nil, err
		}
		out = append(out, devs...)
	}
	return out, nil
}

func newDeviation(ruleID, severity, title, explanation string, evidence []string, since, until, now time.Time) models.Deviation {
	if evidence == nil {
		evidence = []string{}
	}
	return models.Deviation{
		DeviationID: uuid.NewString(),
		RuleID:      ruleID,
		Timestamp:   now,
		Severity:    severity,
		Title:       title,
		Explanation: explanation,
		Evidence:    evidence,
		Window:      models.Window{Since: since, Until: until},
	}
}

// stateOf reads the event state, falling back to the legacy value key some
// emitters use.
func stateOf(p models.Payload) string {
	if s := p.State(); s != "" {
		return s
	}
	if v, ok := p["value"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
