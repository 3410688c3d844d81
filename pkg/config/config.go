// Package config provides Canaria's hot-reloadable runtime configuration:
// defaults, environment overrides applied once at first initialization, and
// deep-merge updates persisted through a caller-supplied store.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/canaria-net/canaria/pkg/ratelimit"
)

// EndpointLimit is the fixed-window rule for one endpoint key.
type EndpointLimit struct {
	MaxRequests  int `json:"maxRequests"`
	WindowSeconds int `json:"windowSeconds"`
}

// MetricsConfig controls rollup cadence and retention.
type MetricsConfig struct {
	RollupInterval      string `json:"rollupInterval" env:"METRICS_ROLLUP_INTERVAL"`
	RetentionDays       int    `json:"retentionDays" env:"METRICS_RETENTION_DAYS"`
	RollupRetentionDays int    `json:"rollupRetentionDays" env:"ROLLUP_RETENTION_DAYS"`
}

// RateLimitConfig controls whether limiting is active and the per-endpoint rules.
type RateLimitConfig struct {
	Enabled bool                     `json:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limits  map[string]EndpointLimit `json:"limits"`
}

// MonitoringConfig controls health/liveness thresholds.
type MonitoringConfig struct {
	ParserTimeoutSeconds int `json:"parserTimeoutSeconds"`
	FeedTimeoutSeconds   int `json:"feedTimeoutSeconds"`
	CleanupIntervalHours int `json:"cleanupIntervalHours"`
}

// Config is the full mutable runtime configuration, persisted as one row.
type Config struct {
	Metrics    MetricsConfig    `json:"metrics"`
	RateLimit  RateLimitConfig  `json:"rateLimit"`
	Monitoring MonitoringConfig `json:"monitoring"`
}

// New returns Config populated with defaults, mirroring the original's
// in-source defaults for every knob.
func New() *Config {
	return &Config{
		Metrics: MetricsConfig{
			RollupInterval:      "5m",
			RetentionDays:       30,
			RollupRetentionDays: 90,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limits: map[string]EndpointLimit{
				"POST /v1/events":  {MaxRequests: 120, WindowSeconds: 60},
				"GET /v1/events":   {MaxRequests: 60, WindowSeconds: 60},
				"GET /v1/ws":       {MaxRequests: 30, WindowSeconds: 60},
				"POST /admin/actions": {MaxRequests: 20, WindowSeconds: 60},
			},
		},
		Monitoring: MonitoringConfig{
			ParserTimeoutSeconds: 120,
			FeedTimeoutSeconds:   120,
			CleanupIntervalHours: 1,
		},
	}
}

// clone returns a deep copy so callers can never mutate shared state.
func (c *Config) clone() *Config {
	cp := *c
	cp.RateLimit.Limits = make(map[string]EndpointLimit, len(c.RateLimit.Limits))
	for k, v := range c.RateLimit.Limits {
		cp.RateLimit.Limits[k] = v
	}
	return &cp
}

// RollupIntervalSeconds converts the {1m,5m,15m,1h} token to seconds,
// falling back to 5 minutes for an unrecognized token.
func (c *Config) RollupIntervalSeconds() int {
	switch c.Metrics.RollupInterval {
	case "1m":
		return 60
	case "5m":
		return 300
	case "15m":
		return 900
	case "1h":
		return 3600
	default:
		return 300
	}
}

// RollupIntervalMillis is RollupIntervalSeconds expressed in milliseconds.
func (c *Config) RollupIntervalMillis() int64 {
	return int64(c.RollupIntervalSeconds()) * 1000
}

// Persister is the narrow store dependency ConfigManager needs: a single
// named row holding the current JSON-encoded Config. internal/store
// implements this against the config table.
type Persister interface {
	LoadConfigRow(ctx context.Context, key string) (value string, found bool, err error)
	SaveConfigRow(ctx context.Context, key, value string) error
}

const configRowKey = "runtime"

// Manager is C2: a persisted, hot-reloadable Config guarded by a mutex so
// concurrent Get/Update calls from the request path never race.
type Manager struct {
	mu    sync.RWMutex
	store Persister
	cfg   *Config
}

// NewManager loads the persisted row if present, otherwise materializes
// defaults with environment overrides and persists that as the initial row.
func NewManager(ctx context.Context, store Persister) (*Manager, error) {
	_ = godotenv.Load()

	m := &Manager{store: store}

	raw, found, err := store.LoadConfigRow(ctx, configRowKey)
	if err != nil {
		return nil, fmt.Errorf("load config row: %w", err)
	}

	if found {
		cfg := New()
		if err := json.Unmarshal([]byte(raw), cfg); err != nil {
			return nil, fmt.Errorf("decode persisted config: %w", err)
		}
		m.cfg = cfg
		return m, nil
	}

	cfg := New()
	applyEnvOverrides(cfg)

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode initial config: %w", err)
	}
	if err := store.SaveConfigRow(ctx, configRowKey, string(encoded)); err != nil {
		return nil, fmt.Errorf("persist initial config: %w", err)
	}
	m.cfg = cfg
	return m, nil
}

// applyEnvOverrides applies only the known environment knobs, ignoring
// out-of-range values so a bad deployment var never corrupts defaults.
func applyEnvOverrides(cfg *Config) {
	var env struct {
		RollupInterval      string `env:"METRICS_ROLLUP_INTERVAL"`
		RetentionDays       string `env:"METRICS_RETENTION_DAYS"`
		RollupRetentionDays string `env:"ROLLUP_RETENTION_DAYS"`
		RateLimitEnabled    string `env:"RATE_LIMIT_ENABLED"`
	}
	if err := envdecode.Decode(&env); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		return
	}

	if v := strings.TrimSpace(env.RollupInterval); v == "1m" || v == "5m" || v == "15m" || v == "1h" {
		cfg.Metrics.RollupInterval = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(env.RetentionDays)); err == nil && v >= 1 && v <= 365 {
		cfg.Metrics.RetentionDays = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(env.RollupRetentionDays)); err == nil && v >= 1 && v <= 365 {
		cfg.Metrics.RollupRetentionDays = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(env.RateLimitEnabled)); err == nil {
		cfg.RateLimit.Enabled = v
	}
}

// AdminSecret reads the admin bearer token straight from the environment; it
// is deployment-time secret material, not part of the persisted row.
func AdminSecret() string {
	return os.Getenv("ADMIN_SECRET")
}

// Get returns a deep copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.clone()
}

// Enabled satisfies pkg/ratelimit.RuleSource.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.RateLimit.Enabled
}

// RuleFor satisfies pkg/ratelimit.RuleSource, translating the persisted
// per-endpoint EndpointLimit into ratelimit.Rule.
func (m *Manager) RuleFor(endpoint string) (ratelimit.Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit, ok := m.cfg.RateLimit.Limits[endpoint]
	if !ok {
		return ratelimit.Rule{}, false
	}
	return ratelimit.Rule{MaxRequests: limit.MaxRequests, WindowSeconds: limit.WindowSeconds}, true
}

// Patch is a partial update for Update: every field is a pointer so "absent"
// and "explicitly set to the zero value" are distinguishable, which a plain
// Config cannot do for booleans and zero-valued ints.
type Patch struct {
	Metrics *struct {
		RollupInterval      *string
		RetentionDays       *int
		RollupRetentionDays *int
	}
	RateLimit *struct {
		Enabled *bool
		Limits  map[string]EndpointLimit
	}
	Monitoring *struct {
		ParserTimeoutSeconds *int
		FeedTimeoutSeconds   *int
		CleanupIntervalHours *int
	}
}

// Update deep-merges a Patch into memory and persists the result
// synchronously; only fields explicitly set in patch change. RateLimit.Limits
// entries are merged key by key, leaving unmentioned endpoints untouched.
func (m *Manager) Update(ctx context.Context, patch *Patch) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := m.cfg.clone()

	if patch.Metrics != nil {
		if patch.Metrics.RollupInterval != nil {
			merged.Metrics.RollupInterval = *patch.Metrics.RollupInterval
		}
		if patch.Metrics.RetentionDays != nil {
			merged.Metrics.RetentionDays = *patch.Metrics.RetentionDays
		}
		if patch.Metrics.RollupRetentionDays != nil {
			merged.Metrics.RollupRetentionDays = *patch.Metrics.RollupRetentionDays
		}
	}

	if patch.RateLimit != nil {
		if patch.RateLimit.Enabled != nil {
			merged.RateLimit.Enabled = *patch.RateLimit.Enabled
		}
		for k, v := range patch.RateLimit.Limits {
			merged.RateLimit.Limits[k] = v
		}
	}

	if patch.Monitoring != nil {
		if patch.Monitoring.ParserTimeoutSeconds != nil {
			merged.Monitoring.ParserTimeoutSeconds = *patch.Monitoring.ParserTimeoutSeconds
		}
		if patch.Monitoring.FeedTimeoutSeconds != nil {
			merged.Monitoring.FeedTimeoutSeconds = *patch.Monitoring.FeedTimeoutSeconds
		}
		if patch.Monitoring.CleanupIntervalHours != nil {
			merged.Monitoring.CleanupIntervalHours = *patch.Monitoring.CleanupIntervalHours
		}
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode updated config: %w", err)
	}
	if err := m.store.SaveConfigRow(ctx, configRowKey, string(encoded)); err != nil {
		return nil, fmt.Errorf("persist updated config: %w", err)
	}

	m.cfg = merged
	return merged.clone(), nil
}
