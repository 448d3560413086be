// Package config loads process configuration from the environment and the
// per-rule settings file, and keeps the latter hot-reloadable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agingos/agingos-go-rewrite/internal/timeutil"
)

// Auth modes.
const (
	AuthModeOff    = "off"
	AuthModeAPIKey = "api_key"
)

// Defaults applied when the environment is silent.
const (
	DefaultTimezone         = timeutil.DefaultZone
	DefaultListen           = ":8000"
	DefaultDBPath           = "agingos.db"
	DefaultRulesConfigPath  = "rules.yaml"
	DefaultInsightsTimeout  = 2 * time.Second
	DefaultSchedulerEnabled = true
)

// Config is the process-level configuration resolved at startup.
type Config struct {
	AuthMode         string
	APIKeys          []string
	Timezone         string
	Location         *time.Location
	SchedulerEnabled bool
	DBPath           string
	RulesConfigPath  string
	Listen           string
	InsightsURL      string
	InsightsAPIKey   string
	InsightsTimeout  time.Duration
	LogLevel         string
	LogFormat        string
}

// Load reads .env (best effort) and the process environment, applies
// defaults, and validates. api_key mode without keys, an unknown auth mode,
// and an unresolvable timezone are startup errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AuthMode:         AuthModeOff,
		Timezone:         DefaultTimezone,
		SchedulerEnabled: DefaultSchedulerEnabled,
		DBPath:           DefaultDBPath,
		RulesConfigPath:  DefaultRulesConfigPath,
		Listen:           DefaultListen,
		InsightsTimeout:  DefaultInsightsTimeout,
	}

	if v := os.Getenv("AGINGOS_AUTH_MODE"); v != "" {
		cfg.AuthMode = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.APIKeys = splitKeys(os.Getenv("AGINGOS_API_KEYS"))
	if v := os.Getenv("AGINGOS_TIMEZONE"); v != "" {
		cfg.Timezone = strings.TrimSpace(v)
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		cfg.SchedulerEnabled = parseBool(v, DefaultSchedulerEnabled)
	}
	if v := os.Getenv("AGINGOS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGINGOS_RULES_CONFIG"); v != "" {
		cfg.RulesConfigPath = v
	}
	if v := os.Getenv("AGINGOS_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("AGINGOS_INSIGHTS_URL"); v != "" {
		cfg.InsightsURL = strings.TrimRight(v, "/")
	}
	cfg.InsightsAPIKey = strings.TrimSpace(os.Getenv("AGINGOS_INSIGHTS_API_KEY"))
	if v := os.Getenv("AGINGOS_INSIGHTS_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && ms > 0 {
			cfg.InsightsTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	cfg.LogFormat = os.Getenv("LOG_FORMAT")

	switch cfg.AuthMode {
	case AuthModeOff:
	case AuthModeAPIKey:
		if len(cfg.APIKeys) == 0 {
			return nil, fmt.Errorf("AGINGOS_API_KEYS must be set when AGINGOS_AUTH_MODE=api_key")
		}
	default:
		return nil, fmt.Errorf("unknown AGINGOS_AUTH_MODE %q", cfg.AuthMode)
	}

	loc, err := timeutil.LoadZone(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}
