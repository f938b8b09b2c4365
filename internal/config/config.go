// Package config loads the coordinator's flat environment configuration.
// Parsing is fail-fast: a malformed value aborts startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel string

	HTTPPort int
	RPCPort  int

	AIEnabled         bool
	AIProviderKey     string
	AIModel           string
	AIEndpoint        string
	AITemperature     float64
	AITimeout         time.Duration
	AIFallbackEnabled bool

	CascadeMaxAttempts    int
	CascadeAttemptTimeout time.Duration
	CascadeMinQuality     float64
	CascadeStopOnFirst    bool

	RouteDefaultDeadline time.Duration

	RegistryStoreURL    string
	ChangelogMaxEntries int

	HealthCheckEnabled  bool
	HealthCheckInterval time.Duration
	HealthMaxFailures   int

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads every key from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:   os.Getenv("APP_ENV"),
		LogLevel: os.Getenv("LOG_LEVEL"),

		AIProviderKey: os.Getenv("AI_PROVIDER_KEY"),
		AIModel:       os.Getenv("AI_MODEL"),
		AIEndpoint:    os.Getenv("AI_ENDPOINT"),

		RegistryStoreURL: os.Getenv("REGISTRY_STORE_URL"),
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AIModel == "" {
		cfg.AIModel = "gpt-4o-mini"
	}
	if cfg.AIEndpoint == "" {
		cfg.AIEndpoint = "https://api.openai.com/v1"
	}

	var err error
	if cfg.HTTPPort, err = intEnv("HTTP_PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.RPCPort, err = intEnv("RPC_PORT", 50051); err != nil {
		return nil, err
	}
	if cfg.AIEnabled, err = boolEnv("AI_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.AIFallbackEnabled, err = boolEnv("AI_FALLBACK_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.AITemperature, err = floatEnv("AI_TEMPERATURE", 0.1); err != nil {
		return nil, err
	}
	if cfg.AITimeout, err = msEnv("AI_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CascadeMaxAttempts, err = intEnv("CASCADE_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.CascadeAttemptTimeout, err = msEnv("CASCADE_ATTEMPT_TIMEOUT_MS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.CascadeMinQuality, err = floatEnv("CASCADE_MIN_QUALITY", 0.3); err != nil {
		return nil, err
	}
	if cfg.CascadeStopOnFirst, err = boolEnv("CASCADE_STOP_ON_FIRST", true); err != nil {
		return nil, err
	}
	if cfg.RouteDefaultDeadline, err = msEnv("ROUTE_DEFAULT_DEADLINE_MS", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ChangelogMaxEntries, err = intEnv("CHANGELOG_MAX_ENTRIES", 1000); err != nil {
		return nil, err
	}
	if cfg.HealthCheckEnabled, err = boolEnv("HEALTH_CHECK_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.HealthCheckInterval, err = msEnv("HEALTH_CHECK_INTERVAL_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthMaxFailures, err = intEnv("HEALTH_MAX_FAILURES", 3); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = floatEnv("RATE_LIMIT_RPS", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 0); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("RPC_PORT out of range: %d", c.RPCPort)
	}
	if c.AIEnabled && c.AIProviderKey == "" {
		return fmt.Errorf("AI_ENABLED requires AI_PROVIDER_KEY")
	}
	if c.CascadeMaxAttempts < 1 {
		return fmt.Errorf("CASCADE_MAX_ATTEMPTS must be at least 1")
	}
	if c.CascadeMinQuality < 0 || c.CascadeMinQuality > 1 {
		return fmt.Errorf("CASCADE_MIN_QUALITY must be in [0,1]")
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func msEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}
