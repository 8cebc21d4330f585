package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Providers: map[string]ProviderConfig{
			"composite": {
				Host: "upbit-index.example.com", RPS: 1, Burst: 2, DailyBudget: 5000, TTLSecs: 60,
				BaseURL:   "https://upbit-index.example.com",
				BackoffMS: BackoffConfig{Base: 500, Max: 10000},
				Circuit:   CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, TimeoutMS: 30000},
				Enabled:   true,
			},
		},
		Budget: BudgetConfig{WarnThreshold: 0.8, ResetHour: 0},
		Global: GlobalConfig{MaxConcurrentPerHost: 4, UserAgent: "marketfabric/1.0"},
	}
}

func TestProvidersConfig_ValidateAccepts(t *testing.T) {
	cfg := validProvidersConfig()
	assert.NoError(t, cfg.Validate())
}

func TestProvidersConfig_ValidateRejectsBadWarnThreshold(t *testing.T) {
	cfg := validProvidersConfig()
	cfg.Budget.WarnThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestProvidersConfig_ValidateRejectsMissingUserAgent(t *testing.T) {
	cfg := validProvidersConfig()
	cfg.Global.UserAgent = ""
	assert.Error(t, cfg.Validate())
}

func TestProviderConfig_ValidateRejectsBurstBelowRPS(t *testing.T) {
	cfg := validProvidersConfig()
	p := cfg.Providers["composite"]
	p.Burst = 0
	cfg.Providers["composite"] = p
	assert.Error(t, cfg.Validate())
}

func TestProviderConfig_DurationHelpers(t *testing.T) {
	p := ProviderConfig{
		TTLSecs:   60,
		BackoffMS: BackoffConfig{Base: 500, Max: 10000},
		Circuit:   CircuitConfig{TimeoutMS: 30000},
	}
	assert.Equal(t, 60*time.Second, p.GetCacheTTL())
	assert.Equal(t, 30*time.Second, p.GetRequestTimeout())
	assert.Equal(t, 500*time.Millisecond, p.GetBaseBackoff())
	assert.Equal(t, 10*time.Second, p.GetMaxBackoff())
}

func TestProvidersConfig_GetProviderAndIsEnabled(t *testing.T) {
	cfg := validProvidersConfig()

	p, ok := cfg.GetProvider("composite")
	require.True(t, ok)
	assert.Equal(t, "upbit-index.example.com", p.Host)
	assert.True(t, cfg.IsProviderEnabled("composite"))
	assert.False(t, cfg.IsProviderEnabled("nonexistent"))

	_, ok = cfg.GetProvider("nonexistent")
	assert.False(t, ok)
}

func TestLoadProvidersConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	data := `
providers:
  composite:
    host: upbit-index.example.com
    rps: 1
    burst: 2
    daily_budget: 5000
    ttl_secs: 60
    base_url: "https://upbit-index.example.com"
    backoff_ms:
      base: 500
      max: 10000
      jitter: true
    circuit:
      failure_threshold: 5
      success_threshold: 2
      timeout_ms: 30000
    enabled: true
budget:
  warn_threshold: 0.8
  reset_hour: 0
global:
  max_concurrent_per_host: 4
  user_agent: "marketfabric/1.0"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadProvidersConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProviderEnabled("composite"))
}

func TestLoadProvidersConfig_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  warn_threshold: 2\n"), 0o644))

	_, err := LoadProvidersConfig(path)
	assert.Error(t, err)
}
