// Package config loads orchestrator configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/audible-ai/audible/internal/domain"
)

type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Backends []BackendConfig `koanf:"backends"`
	Health   HealthConfig    `koanf:"health"`
	Breaker  BreakerConfig   `koanf:"breaker"`
	Query    QueryConfig     `koanf:"query"`
	Storage  StorageConfig   `koanf:"storage"`
	Cache    CacheConfig     `koanf:"cache"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type BackendConfig struct {
	Name string `koanf:"name"`
	// Transport is the declared capability: streaming, request-response, none.
	Transport string `koanf:"transport"`
	// Priority is the static rank; lower is preferred on ties.
	Priority int    `koanf:"priority"`
	BaseURL  string `koanf:"base_url"`
	// StreamURL is the websocket endpoint for streaming-capable backends.
	StreamURL string `koanf:"stream_url"`
	APIKey    string `koanf:"api_key"`
}

// Identity converts the backend entry into its immutable identity.
func (b BackendConfig) Identity() domain.BackendIdentity {
	return domain.BackendIdentity{
		Name:       domain.BackendName(b.Name),
		Capability: domain.ConnectionKind(b.Transport),
		Priority:   b.Priority,
	}
}

type HealthConfig struct {
	ProbeIntervalMs int `koanf:"probe_interval_ms"`
	ProbeTimeoutMs  int `koanf:"probe_timeout_ms"`
	// RecoveryStep is added to the quality score on a successful probe.
	RecoveryStep int `koanf:"recovery_step"`
	// PenaltyStep is subtracted from the quality score on a failed probe.
	PenaltyStep int `koanf:"penalty_step"`
}

func (h HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalMs) * time.Millisecond
}

func (h HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMs) * time.Millisecond
}

type BreakerConfig struct {
	FailureThreshold int `koanf:"failure_threshold"`
	BaseCooldownMs   int `koanf:"base_cooldown_ms"`
	MaxCooldownMs    int `koanf:"max_cooldown_ms"`
}

func (b BreakerConfig) BaseCooldown() time.Duration {
	return time.Duration(b.BaseCooldownMs) * time.Millisecond
}

func (b BreakerConfig) MaxCooldown() time.Duration {
	return time.Duration(b.MaxCooldownMs) * time.Millisecond
}

type QueryConfig struct {
	// AttemptTimeoutMs is the hard deadline applied to each transport call.
	AttemptTimeoutMs int `koanf:"attempt_timeout_ms"`
}

func (q QueryConfig) AttemptTimeout() time.Duration {
	return time.Duration(q.AttemptTimeoutMs) * time.Millisecond
}

type StorageConfig struct {
	Type string `koanf:"type"` // sqlite, none
	Path string `koanf:"path"`
}

type CacheConfig struct {
	// Size is the number of recent answers retained for degraded replay.
	Size int `koanf:"size"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from the given YAML file (missing file is fine)
// and applies AUDIBLE_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// Environment variables override file config: AUDIBLE_SERVER__PORT=9090
	// maps to server.port.
	if err := k.Load(env.Provider("AUDIBLE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AUDIBLE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in backend API keys
	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = substituteEnvVars(cfg.Backends[i].APIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":               8790,
		"health.probe_interval_ms":  20000,
		"health.probe_timeout_ms":   3000,
		"health.recovery_step":      10,
		"health.penalty_step":       20,
		"breaker.failure_threshold": 3,
		"breaker.base_cooldown_ms":  5000,
		"breaker.max_cooldown_ms":   60000,
		"query.attempt_timeout_ms":  30000,
		"cache.size":                64,
		"storage.type":              "sqlite",
		"storage.path":              "./data/audible.db",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name: %s", b.Name)
		}
		seen[b.Name] = true

		switch domain.ConnectionKind(b.Transport) {
		case domain.ConnectionStreaming, domain.ConnectionRequestResponse, domain.ConnectionNone:
		default:
			return fmt.Errorf("backend %s: unknown transport %q", b.Name, b.Transport)
		}
		if b.Transport != string(domain.ConnectionNone) && b.BaseURL == "" {
			return fmt.Errorf("backend %s: base_url required for transport %s", b.Name, b.Transport)
		}
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
