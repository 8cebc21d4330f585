package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape for the scheduler and its
// adapters. Settings that users may flip at runtime (general_update_interval,
// dashboard_refresh_interval, websocket_enabled) are also exposed through
// the live Settings store below so they can be changed without a restart.
type FileConfig struct {
	Collector  CollectorConfig          `yaml:"collector"`
	Adapters   map[string]AdapterConfig `yaml:"adapters"`
	Cache      CacheConfig              `yaml:"cache"`
	Stream     StreamConfig             `yaml:"stream"`
	Dispatcher DispatcherConfig         `yaml:"dispatcher"`
}

// CollectorConfig drives Collector Loop A and B interval defaults.
type CollectorConfig struct {
	GeneralUpdateIntervalSecs   int `yaml:"general_update_interval_secs"`
	DashboardRefreshIntervalSecs int `yaml:"dashboard_refresh_interval_secs"`
	CoinUpdateIntervalSecs      int `yaml:"coin_update_interval_secs"`
}

// AdapterConfig mirrors the teacher's per-provider knobs: rate limit,
// base URL, and backoff, reused here per source adapter. BackoffConfig
// is shared with ProviderConfig in providers.go.
type AdapterConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AltURL    string        `yaml:"alt_url,omitempty"`
	DailyURL  string        `yaml:"daily_url,omitempty"`
	APIKey    string        `yaml:"api_key,omitempty"`
	RPS       float64       `yaml:"rps"`
	Burst     int           `yaml:"burst"`
	TimeoutMS int           `yaml:"timeout_ms"`
	BackoffMS BackoffConfig `yaml:"backoff_ms"`
	Enabled   bool          `yaml:"enabled"`
}

// CacheConfig configures the Cache Store's TTL and optional mirror/audit tiers.
type CacheConfig struct {
	TTLSecs         int    `yaml:"ttl_secs"`
	MaxEntries      int64  `yaml:"max_entries"`
	RedisAddr       string `yaml:"redis_addr"`
	PostgresDSN     string `yaml:"postgres_dsn"`
}

// DispatcherConfig configures the Dispatcher's per-client send
// behavior. SendTimeoutSecs resolves §9's "dispatch-timeout value is
// hard-coded in the source" open question: configurable here,
// defaulting to 3s when unset.
type DispatcherConfig struct {
	SendTimeoutSecs int `yaml:"send_timeout_secs"`
}

// StreamConfig configures the websocket Stream Server.
type StreamConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	PingIntervalSecs  int    `yaml:"ping_interval_secs"`
	PongTimeoutSecs   int    `yaml:"pong_timeout_secs"`
	ShutdownGraceSecs int    `yaml:"shutdown_grace_secs"`
}

// LoadFileConfig loads and validates the YAML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c *FileConfig) Validate() error {
	if c.Collector.GeneralUpdateIntervalSecs <= 0 {
		return fmt.Errorf("collector general_update_interval_secs must be positive")
	}
	if c.Collector.DashboardRefreshIntervalSecs <= 0 {
		return fmt.Errorf("collector dashboard_refresh_interval_secs must be positive")
	}
	for name, a := range c.Adapters {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("adapter %s: %w", name, err)
		}
	}
	if c.Cache.TTLSecs <= 0 {
		return fmt.Errorf("cache ttl_secs must be positive")
	}
	return nil
}

// Validate ensures a single adapter configuration is valid.
func (a *AdapterConfig) Validate() error {
	if a.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if a.RPS <= 0 {
		return fmt.Errorf("rps must be positive, got %f", a.RPS)
	}
	if a.Burst < 1 {
		return fmt.Errorf("burst must be >= 1, got %d", a.Burst)
	}
	return nil
}

// GetRequestTimeout returns the adapter's request timeout as a Duration.
func (a *AdapterConfig) GetRequestTimeout() time.Duration {
	if a.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// GetBaseBackoff returns the adapter's base backoff as a Duration.
func (a *AdapterConfig) GetBaseBackoff() time.Duration {
	return time.Duration(a.BackoffMS.Base) * time.Millisecond
}

// GetMaxBackoff returns the adapter's max backoff as a Duration.
func (a *AdapterConfig) GetMaxBackoff() time.Duration {
	return time.Duration(a.BackoffMS.Max) * time.Millisecond
}

// Settings is the live, mutable counterpart to FileConfig: the three
// knobs the original scheduler let operators flip without a restart
// (general update interval, dashboard refresh interval, websocket
// enabled). Anything reading these values always sees the latest write.
type Settings interface {
	GeneralUpdateInterval() time.Duration
	DashboardRefreshInterval() time.Duration
	WebsocketEnabled() bool
	SetGeneralUpdateInterval(d time.Duration)
	SetDashboardRefreshInterval(d time.Duration)
	SetWebsocketEnabled(enabled bool)
}

// memorySettings is the default in-process Settings implementation,
// seeded from FileConfig and mutable thereafter. A future Settings
// implementation could back this with a database table the way the
// original's UserSettings model did; nothing downstream depends on
// which implementation is wired in since all access goes through the
// Settings interface.
type memorySettings struct {
	mu                  sync.RWMutex
	generalInterval     time.Duration
	dashboardInterval   time.Duration
	websocketEnabled    bool
}

// NewMemorySettings builds a Settings store seeded from a FileConfig.
// WebsocketEnabled defaults to true when unset, matching the original
// scheduler's behavior of treating a missing flag as "on".
func NewMemorySettings(cfg *FileConfig) Settings {
	return &memorySettings{
		generalInterval:   time.Duration(cfg.Collector.GeneralUpdateIntervalSecs) * time.Second,
		dashboardInterval: time.Duration(cfg.Collector.DashboardRefreshIntervalSecs) * time.Second,
		websocketEnabled:  true,
	}
}

func (s *memorySettings) GeneralUpdateInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generalInterval
}

func (s *memorySettings) DashboardRefreshInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dashboardInterval
}

func (s *memorySettings) WebsocketEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.websocketEnabled
}

func (s *memorySettings) SetGeneralUpdateInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generalInterval = d
}

func (s *memorySettings) SetDashboardRefreshInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboardInterval = d
}

func (s *memorySettings) SetWebsocketEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.websocketEnabled = enabled
}
