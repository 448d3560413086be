package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fallbacks when rules.yaml is missing or silent.
const (
	DefaultIntervalMinutes    = 1
	DefaultSubjectKey         = "default"
	DefaultLookbackMinutes    = 60
	DefaultExpireAfterMinutes = 60
)

// RuleConfig is the parsed rules.yaml. The zero value is a valid
// all-defaults configuration.
type RuleConfig struct {
	Scheduler SchedulerSettings       `yaml:"scheduler"`
	Defaults  RuleDefaults            `yaml:"defaults"`
	Rules     map[string]RuleSettings `yaml:"rules"`
}

type SchedulerSettings struct {
	IntervalMinutes   int    `yaml:"interval_minutes"`
	DefaultSubjectKey string `yaml:"default_subject_key"`
}

type RuleDefaults struct {
	LookbackMinutes    int `yaml:"lookback_minutes"`
	ExpireAfterMinutes int `yaml:"expire_after_minutes"`
}

// RuleSettings overrides the defaults for one rule. Pointer fields
// distinguish "absent" from zero.
type RuleSettings struct {
	EnabledInScheduler bool           `yaml:"enabled_in_scheduler"`
	LookbackMinutes    *int           `yaml:"lookback_minutes"`
	ExpireAfterMinutes *int           `yaml:"expire_after_minutes"`
	Params             map[string]any `yaml:"params"`
}

// IntervalMinutes returns the scheduler cadence.
func (c *RuleConfig) IntervalMinutes() int {
	if c == nil || c.Scheduler.IntervalMinutes <= 0 {
		return DefaultIntervalMinutes
	}
	return c.Scheduler.IntervalMinutes
}

// SubjectKey returns the subject deviations are persisted under.
func (c *RuleConfig) SubjectKey() string {
	if c == nil || c.Scheduler.DefaultSubjectKey == "" {
		return DefaultSubjectKey
	}
	return c.Scheduler.DefaultSubjectKey
}

// LookbackMinutes returns the evaluation window length for a rule, falling
// back to the configured then the built-in default.
func (c *RuleConfig) LookbackMinutes(ruleID string) int {
	if c != nil {
		if r, ok := c.Rules[ruleID]; ok && r.LookbackMinutes != nil && *r.LookbackMinutes > 0 {
			return *r.LookbackMinutes
		}
		if c.Defaults.LookbackMinutes > 0 {
			return c.Defaults.LookbackMinutes
		}
	}
	return DefaultLookbackMinutes
}

// ExpireAfterMinutes returns the staleness threshold for a rule's
// deviations, with the same fallback chain.
func (c *RuleConfig) ExpireAfterMinutes(ruleID string) int {
	if c != nil {
		if r, ok := c.Rules[ruleID]; ok && r.ExpireAfterMinutes != nil && *r.ExpireAfterMinutes > 0 {
			return *r.ExpireAfterMinutes
		}
		if c.Defaults.ExpireAfterMinutes > 0 {
			return c.Defaults.ExpireAfterMinutes
		}
	}
	return DefaultExpireAfterMinutes
}

// EnabledInScheduler reports whether the scheduler runs a rule. Rules are
// opt-in.
func (c *RuleConfig) EnabledInScheduler(ruleID string) bool {
	if c == nil {
		return false
	}
	r, ok := c.Rules[ruleID]
	return ok && r.EnabledInScheduler
}

// Params returns a copy of a rule's parameter map, never nil.
func (c *RuleConfig) Params(ruleID string) map[string]any {
	out := map[string]any{}
	if c == nil {
		return out
	}
	for k, v := range c.Rules[ruleID].Params {
		out[k] = v
	}
	return out
}

// LoadRuleConfig parses one rules.yaml file.
func LoadRuleConfig(path string) (*RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule config: %w", err)
	}
	var cfg RuleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rule config: %w", err)
	}
	return &cfg, nil
}

// RuleProvider hands out the current rule configuration and swaps it
// atomically on reload. A missing file yields the all-defaults config.
type RuleProvider struct {
	path string

	mu  sync.RWMutex
	cur *RuleConfig
}

// NewRuleProvider loads path once. A missing file is not an error; a present
// but unparsable file is.
func NewRuleProvider(path string) (*RuleProvider, error) {
	p := &RuleProvider{path: path, cur: &RuleConfig{}}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return p, nil
	}
	cfg, err := LoadRuleConfig(path)
	if err != nil {
		return nil, err
	}
	p.cur = cfg
	return p, nil
}

// Current returns the active configuration. The returned value is shared and
// must be treated as read-only.
func (p *RuleProvider) Current() *RuleConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Path returns the watched file path.
func (p *RuleProvider) Path() string {
	return p.path
}

// Reload re-reads the file. On failure the previous configuration stays
// active and the error is returned for the caller to log.
func (p *RuleProvider) Reload() error {
	cfg, err := LoadRuleConfig(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cur = cfg
	p.mu.Unlock()
	return nil
}
