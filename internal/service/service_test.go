package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woosul/marketfabric/internal/config"
)

func testFileConfig() *config.FileConfig {
	adapter := config.AdapterConfig{BaseURL: "https://example.com", RPS: 1, Burst: 1}
	return &config.FileConfig{
		Collector: config.CollectorConfig{GeneralUpdateIntervalSecs: 20, DashboardRefreshIntervalSecs: 5, CoinUpdateIntervalSecs: 30},
		Adapters: map[string]config.AdapterConfig{
			"composite":        adapter,
			"global":           adapter,
			"topcoins_primary": adapter,
			"topcoins_fallback": adapter,
			"fx_fallback":      adapter,
		},
		Cache:  config.CacheConfig{TTLSecs: 60, MaxEntries: 10000},
		Stream: config.StreamConfig{Host: "127.0.0.1", Port: 0, ShutdownGraceSecs: 1},
	}
}

func TestDispatchTimeout_DefaultsToThreeSeconds(t *testing.T) {
	cfg := testFileConfig()
	assert.Equal(t, 3*time.Second, dispatchTimeout(cfg))
}

func TestDispatchTimeout_NilConfigDefaultsToThreeSeconds(t *testing.T) {
	assert.Equal(t, 3*time.Second, dispatchTimeout(nil))
}

func TestDispatchTimeout_ReadsConfiguredValue(t *testing.T) {
	cfg := testFileConfig()
	cfg.Dispatcher.SendTimeoutSecs = 7
	assert.Equal(t, 7*time.Second, dispatchTimeout(cfg))
}

func TestDispatchTimeout_NonPositiveConfiguredValueFallsBackToDefault(t *testing.T) {
	cfg := testFileConfig()
	cfg.Dispatcher.SendTimeoutSecs = -1
	assert.Equal(t, 3*time.Second, dispatchTimeout(cfg))
}

func TestNew_WiresEveryComponentWithoutError(t *testing.T) {
	fileCfg := testFileConfig()
	settings := config.NewMemorySettings(fileCfg)

	svc, err := New(fileCfg, nil, settings, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.NotNil(t, svc.Store())
}

func TestNew_WiresProvidersConfigWithoutError(t *testing.T) {
	fileCfg := testFileConfig()
	settings := config.NewMemorySettings(fileCfg)
	providersCfg := &config.ProvidersConfig{
		Providers: map[string]config.ProviderConfig{
			"composite": {
				Host: "example.com", RPS: 1, Burst: 2,
				Circuit: config.CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, TimeoutMS: 30000},
				Enabled: true,
			},
		},
		Global: config.GlobalConfig{MaxConcurrentPerHost: 4, UserAgent: "marketfabric/1.0"},
	}

	svc, err := New(fileCfg, providersCfg, settings, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestService_Run_ReturnsPromptlyOnContextCancel(t *testing.T) {
	fileCfg := testFileConfig()
	settings := config.NewMemorySettings(fileCfg)

	svc, err := New(fileCfg, nil, settings, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
