// Package config provides configuration loading and validation for the task router.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"taskrouter/pkg/breaker"
	"taskrouter/pkg/ratelimit"
	"taskrouter/pkg/selector"
)

// Config holds every tunable of the routing core. Zero values fall back to
// defaults during Validate, so partial YAML files are fine.
type Config struct {
	// Dispatch loop.
	PollInterval       time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration     `json:"task_timeout" yaml:"task_timeout"`
	DefaultStrategy    selector.Strategy `json:"default_strategy" yaml:"default_strategy"`

	// Failure isolation and admission control.
	CircuitBreaker breaker.Config   `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      ratelimit.Config `json:"rate_limit" yaml:"rate_limit"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		PollInterval:       100 * time.Millisecond,
		MaxConcurrentTasks: 5,
		TaskTimeout:        30 * time.Second,
		DefaultStrategy:    selector.StrategyCapabilityMatch,
		CircuitBreaker:     breaker.DefaultConfig,
		RateLimit:          ratelimit.DefaultConfig,
	}
}

// Load reads a YAML config file and validates it. Missing fields take
// defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UnmarshalYAML decodes durations from Go duration strings ("100ms", "30s").
// Absent fields keep whatever value the Config already holds, so unmarshaling
// over Default() yields a fully populated config.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		ResetTimeout     string `yaml:"reset_timeout"`
	}
	type rawLimit struct {
		MaxRequestsPerWindow int    `yaml:"max_requests_per_window"`
		Window               string `yaml:"window"`
	}
	type rawConfig struct {
		PollInterval       string     `yaml:"poll_interval"`
		MaxConcurrentTasks int        `yaml:"max_concurrent_tasks"`
		TaskTimeout        string     `yaml:"task_timeout"`
		DefaultStrategy    string     `yaml:"default_strategy"`
		CircuitBreaker     rawBreaker `yaml:"circuit_breaker"`
		RateLimit          rawLimit   `yaml:"rate_limit"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if err := setDuration(&c.PollInterval, raw.PollInterval, "poll_interval"); err != nil {
		return err
	}
	if raw.MaxConcurrentTasks > 0 {
		c.MaxConcurrentTasks = raw.MaxConcurrentTasks
	}
	if err := setDuration(&c.TaskTimeout, raw.TaskTimeout, "task_timeout"); err != nil {
		return err
	}
	if raw.DefaultStrategy != "" {
		c.DefaultStrategy = selector.Strategy(raw.DefaultStrategy)
	}
	if raw.CircuitBreaker.FailureThreshold > 0 {
		c.CircuitBreaker.FailureThreshold = raw.CircuitBreaker.FailureThreshold
	}
	if err := setDuration(&c.CircuitBreaker.ResetTimeout, raw.CircuitBreaker.ResetTimeout, "circuit_breaker.reset_timeout"); err != nil {
		return err
	}
	if raw.RateLimit.MaxRequestsPerWindow > 0 {
		c.RateLimit.MaxRequestsPerWindow = raw.RateLimit.MaxRequestsPerWindow
	}
	if err := setDuration(&c.RateLimit.Window, raw.RateLimit.Window, "rate_limit.window"); err != nil {
		return err
	}

	return nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*dst = d
	return nil
}

// Validate fills defaults for zero values and rejects nonsense.
func (c *Config) Validate() error {
	defaults := Default()

	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaults.TaskTimeout
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = defaults.DefaultStrategy
	}
	if !c.DefaultStrategy.Valid() {
		return fmt.Errorf("unknown default strategy %q", c.DefaultStrategy)
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = defaults.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		c.CircuitBreaker.ResetTimeout = defaults.CircuitBreaker.ResetTimeout
	}
	if c.RateLimit.MaxRequestsPerWindow <= 0 {
		c.RateLimit.MaxRequestsPerWindow = defaults.RateLimit.MaxRequestsPerWindow
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = defaults.RateLimit.Window
	}

	return nil
}
