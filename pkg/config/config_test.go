package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrouter/pkg/selector"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout)
	assert.Equal(t, selector.StrategyCapabilityMatch, cfg.DefaultStrategy)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	content := `
max_concurrent_tasks: 2
default_strategy: least-loaded
circuit_breaker:
  failure_threshold: 3
  reset_timeout: 5s
rate_limit:
  max_requests_per_window: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxConcurrentTasks)
	assert.Equal(t, selector.StrategyLeastLoaded, cfg.DefaultStrategy)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 20, cfg.RateLimit.MaxRequestsPerWindow)

	// Unset fields fall back to defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_strategy: coin-flip\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "coin-flip")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: fast\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "poll_interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default(), cfg)
}
