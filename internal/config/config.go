// Package config loads engine configuration in layers: built-in defaults,
// then an optional YAML file, then environment overrides. Orchestration
// policy (timeouts, retry bounds, per-capability overrides) is data here, not
// code in the coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "ATRIUM_"

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "environment"
)

// Metadata records per-field provenance for a loaded Config. Fields never
// touched by a file or the environment report SourceDefault.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source reports where the named field's value came from.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Sources returns a copy of every recorded override.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for field, src := range m.sources {
		out[field] = src
	}
	return out
}

// LoadedAt reports when the configuration was resolved.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

func (m *Metadata) record(field string, src ValueSource) {
	m.sources[field] = src
}

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr string

	BusBackend string // "memory" or "redis"
	RedisURL   string

	StoreBackend string // "memory" or "postgres"
	PostgresDSN  string

	MissionDeadline time.Duration
	SweepInterval   time.Duration
	HeartbeatTTL    time.Duration

	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryJitterFactor float64

	BreakerEnabled bool

	// Capabilities overrides dispatch policy per capability name.
	Capabilities map[string]CapabilityPolicy
}

// CapabilityPolicy is the per-capability dispatch policy as configured.
type CapabilityPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		BusBackend:        "memory",
		RedisURL:          "redis://localhost:6379/0",
		StoreBackend:      "memory",
		PostgresDSN:       "",
		MissionDeadline:   2 * time.Minute,
		SweepInterval:     time.Second,
		HeartbeatTTL:      30 * time.Second,
		RetryMaxAttempts:  3,
		RetryBaseDelay:    2 * time.Second,
		RetryMaxDelay:     30 * time.Second,
		RetryJitterFactor: 0.2,
		BreakerEnabled:    true,
		Capabilities:      map[string]CapabilityPolicy{},
	}
}

// fileConfig mirrors Config for YAML decoding; durations are strings so the
// file can say "90s" or "2m".
type fileConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	BusBackend string `yaml:"bus_backend"`
	RedisURL   string `yaml:"redis_url"`

	StoreBackend string `yaml:"store_backend"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	MissionDeadline string `yaml:"mission_deadline"`
	SweepInterval   string `yaml:"sweep_interval"`
	HeartbeatTTL    string `yaml:"heartbeat_ttl"`

	Retry struct {
		MaxAttempts  int     `yaml:"max_attempts"`
		BaseDelay    string  `yaml:"base_delay"`
		MaxDelay     string  `yaml:"max_delay"`
		JitterFactor float64 `yaml:"jitter_factor"`
	} `yaml:"retry"`

	BreakerEnabled *bool `yaml:"breaker_enabled"`

	Capabilities map[string]struct {
		Timeout     string `yaml:"timeout"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"capabilities"`
}

// Load resolves configuration from defaults, the optional file at path, and
// environment overrides, in that order of precedence. The returned Metadata
// records which layer supplied each field.
func Load(path string) (Config, Metadata, error) {
	cfg := Default()
	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	if path != "" {
		if err := applyFile(&cfg, &meta, path); err != nil {
			return Config{}, Metadata{}, err
		}
	}
	if err := applyEnv(&cfg, &meta); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, cfg.validate()
}

func applyFile(cfg *Config, meta *Metadata, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr, "http_addr", meta, SourceFile)
	setString(&cfg.BusBackend, fc.BusBackend, "bus_backend", meta, SourceFile)
	setString(&cfg.RedisURL, fc.RedisURL, "redis_url", meta, SourceFile)
	setString(&cfg.StoreBackend, fc.StoreBackend, "store_backend", meta, SourceFile)
	setString(&cfg.PostgresDSN, fc.PostgresDSN, "postgres_dsn", meta, SourceFile)

	if err := setDuration(&cfg.MissionDeadline, fc.MissionDeadline, "mission_deadline", meta, SourceFile); err != nil {
		return err
	}
	if err := setDuration(&cfg.SweepInterval, fc.SweepInterval, "sweep_interval", meta, SourceFile); err != nil {
		return err
	}
	if err := setDuration(&cfg.HeartbeatTTL, fc.HeartbeatTTL, "heartbeat_ttl", meta, SourceFile); err != nil {
		return err
	}

	if fc.Retry.MaxAttempts > 0 {
		cfg.RetryMaxAttempts = fc.Retry.MaxAttempts
		meta.record("retry.max_attempts", SourceFile)
	}
	if err := setDuration(&cfg.RetryBaseDelay, fc.Retry.BaseDelay, "retry.base_delay", meta, SourceFile); err != nil {
		return err
	}
	if err := setDuration(&cfg.RetryMaxDelay, fc.Retry.MaxDelay, "retry.max_delay", meta, SourceFile); err != nil {
		return err
	}
	if fc.Retry.JitterFactor > 0 {
		cfg.RetryJitterFactor = fc.Retry.JitterFactor
		meta.record("retry.jitter_factor", SourceFile)
	}
	if fc.BreakerEnabled != nil {
		cfg.BreakerEnabled = *fc.BreakerEnabled
		meta.record("breaker_enabled", SourceFile)
	}

	for name, entry := range fc.Capabilities {
		policy := CapabilityPolicy{MaxAttempts: entry.MaxAttempts}
		if err := setDuration(&policy.Timeout, entry.Timeout, "capabilities."+name+".timeout", meta, SourceFile); err != nil {
			return err
		}
		cfg.Capabilities[name] = policy
		meta.record("capabilities."+name, SourceFile)
	}
	return nil
}

func applyEnv(cfg *Config, meta *Metadata) error {
	setString(&cfg.HTTPAddr, os.Getenv(EnvPrefix+"HTTP_ADDR"), "http_addr", meta, SourceEnv)
	setString(&cfg.BusBackend, os.Getenv(EnvPrefix+"BUS_BACKEND"), "bus_backend", meta, SourceEnv)
	setString(&cfg.RedisURL, os.Getenv(EnvPrefix+"REDIS_URL"), "redis_url", meta, SourceEnv)
	setString(&cfg.StoreBackend, os.Getenv(EnvPrefix+"STORE_BACKEND"), "store_backend", meta, SourceEnv)
	setString(&cfg.PostgresDSN, os.Getenv(EnvPrefix+"POSTGRES_DSN"), "postgres_dsn", meta, SourceEnv)

	if err := setDuration(&cfg.MissionDeadline, os.Getenv(EnvPrefix+"MISSION_DEADLINE"), "mission_deadline", meta, SourceEnv); err != nil {
		return err
	}
	if err := setDuration(&cfg.SweepInterval, os.Getenv(EnvPrefix+"SWEEP_INTERVAL"), "sweep_interval", meta, SourceEnv); err != nil {
		return err
	}
	if err := setDuration(&cfg.HeartbeatTTL, os.Getenv(EnvPrefix+"HEARTBEAT_TTL"), "heartbeat_ttl", meta, SourceEnv); err != nil {
		return err
	}

	if raw := os.Getenv(EnvPrefix + "RETRY_MAX_ATTEMPTS"); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("ATRIUM_RETRY_MAX_ATTEMPTS: %w", err)
		}
		cfg.RetryMaxAttempts = attempts
		meta.record("retry.max_attempts", SourceEnv)
	}
	if err := setDuration(&cfg.RetryBaseDelay, os.Getenv(EnvPrefix+"RETRY_BASE_DELAY"), "retry.base_delay", meta, SourceEnv); err != nil {
		return err
	}
	if raw := os.Getenv(EnvPrefix + "BREAKER_ENABLED"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("ATRIUM_BREAKER_ENABLED: %w", err)
		}
		cfg.BreakerEnabled = enabled
		meta.record("breaker_enabled", SourceEnv)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.BusBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown bus backend %q", c.BusBackend)
	}
	switch c.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres store requires a DSN")
	}
	if c.MissionDeadline <= 0 {
		return fmt.Errorf("mission deadline must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

func setString(dst *string, value, field string, meta *Metadata, src ValueSource) {
	if value != "" {
		*dst = value
		meta.record(field, src)
	}
}

func setDuration(dst *time.Duration, value, field string, meta *Metadata, src ValueSource) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = parsed
	meta.record(field, src)
	return nil
}
