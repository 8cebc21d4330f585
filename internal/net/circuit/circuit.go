package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState
	// ErrRequestTimeout is returned when a request times out.
	ErrRequestTimeout = errors.New("request timeout")

	errForcedTrip = errors.New("forced trip")
)

// State mirrors gobreaker's own state type so callers never need to
// import gobreaker directly.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// Config represents circuit breaker configuration.
type Config struct {
	FailureThreshold int           // Consecutive failures to open circuit
	SuccessThreshold int           // Consecutive successes to close circuit from half-open
	Timeout          time.Duration // Time to wait before transitioning to half-open
	RequestTimeout   time.Duration // Individual request timeout
}

// Breaker wraps a gobreaker.CircuitBreaker. The trip/recovery state
// machine (closed/open/half-open, consecutive-failure counting) is
// gobreaker's; Breaker adds the per-request deadline and timeout
// counter the rest of this codebase expects, since gobreaker itself
// only ever sees success or failure, never "took too long".
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	settings gobreaker.Settings
	config   Config

	mu              sync.RWMutex
	lastStateChange time.Time
	lastFailureTime time.Time
	totalTimeouts   int64
}

// NewBreaker creates a new circuit breaker with the specified configuration.
func NewBreaker(config Config) *Breaker {
	b := &Breaker{config: config, lastStateChange: time.Now()}
	b.settings = gobreaker.Settings{
		MaxRequests: uint32(maxInt(config.SuccessThreshold, 1)),
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.lastStateChange = time.Now()
			b.mu.Unlock()
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings)
	return b
}

// Call executes fn if the circuit breaker allows it, enforcing
// RequestTimeout as fn's individual deadline on top of gobreaker's
// trip/recovery bookkeeping.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	_, err := b.cb.Execute(func() (interface{}, error) {
		done := make(chan error, 1)
		go func() { done <- fn(timeoutCtx) }()

		select {
		case callErr := <-done:
			return nil, callErr
		case <-timeoutCtx.Done():
			b.mu.Lock()
			b.totalTimeouts++
			b.mu.Unlock()
			return nil, ErrRequestTimeout
		}
	})

	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.mu.Lock()
		b.lastFailureTime = time.Now()
		b.mu.Unlock()
	}
	return err
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Stats returns current circuit breaker statistics.
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()

	b.mu.RLock()
	defer b.mu.RUnlock()

	successRate := float64(0)
	if counts.Requests > 0 {
		successRate = float64(counts.TotalSuccesses) / float64(counts.Requests)
	}

	timeoutRate := float64(0)
	if counts.Requests > 0 {
		timeoutRate = float64(b.totalTimeouts) / float64(counts.Requests)
	}

	return Stats{
		State:                b.cb.State(),
		TotalRequests:        int64(counts.Requests),
		TotalSuccesses:       int64(counts.TotalSuccesses),
		TotalFailures:        int64(counts.TotalFailures),
		TotalTimeouts:        b.totalTimeouts,
		ConsecutiveFailures:  int(counts.ConsecutiveFailures),
		ConsecutiveSuccesses: int(counts.ConsecutiveSuccesses),
		LastStateChange:      b.lastStateChange,
		LastFailureTime:      b.lastFailureTime,
		SuccessRate:          successRate,
		TimeoutRate:          timeoutRate,
	}
}

// Reset rebuilds the underlying breaker fresh, clearing state and counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cb = gobreaker.NewCircuitBreaker(b.settings)
	b.lastStateChange = time.Now()
	b.lastFailureTime = time.Time{}
	b.totalTimeouts = 0
}

// ForceOpen drives the breaker open by feeding it enough synthetic
// failures to satisfy its own trip condition, rather than reaching
// into gobreaker's internals. Used to kill a provider known to be
// serving bad data ahead of its own failure detection.
func (b *Breaker) ForceOpen() {
	b.Reset()
	trips := maxInt(b.config.FailureThreshold, 1)
	for i := 0; i < trips; i++ {
		_, _ = b.cb.Execute(func() (interface{}, error) { return nil, errForcedTrip })
	}
}

// ForceClosed resets the breaker to a clean closed state.
func (b *Breaker) ForceClosed() {
	b.Reset()
}

// Stats represents circuit breaker statistics.
type Stats struct {
	State                State     `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalTimeouts        int64     `json:"total_timeouts"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	SuccessRate          float64   `json:"success_rate"`
	TimeoutRate          float64   `json:"timeout_rate"`
}

// IsHealthy returns true if the circuit breaker indicates healthy service.
func (s *Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.TotalRequests == 0 || s.SuccessRate >= 0.9)
}

// Manager manages multiple circuit breakers for different providers.
type Manager struct {
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewManager creates a new circuit breaker manager.
func NewManager() *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
	}
}

// AddProvider adds a circuit breaker for a specific provider.
func (m *Manager) AddProvider(name string, config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.breakers[name] = NewBreaker(config)
}

// GetBreaker returns the circuit breaker for a specific provider.
func (m *Manager) GetBreaker(provider string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, exists := m.breakers[provider]
	return breaker, exists
}

// Call executes a function through the circuit breaker for a specific provider.
func (m *Manager) Call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	breaker, exists := m.GetBreaker(provider)
	if !exists {
		// No circuit breaker configured, execute directly
		return fn(ctx)
	}
	return breaker.Call(ctx, fn)
}

// Stats returns statistics for all providers.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats)
	for provider, breaker := range m.breakers {
		stats[provider] = breaker.Stats()
	}
	return stats
}

// IsHealthy returns true if all circuit breakers are healthy.
func (m *Manager) IsHealthy() bool {
	stats := m.Stats()
	for _, stat := range stats {
		if !stat.IsHealthy() {
			return false
		}
	}
	return true
}

// Reset resets all circuit breakers.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}

// GetUnhealthyProviders returns a list of providers with unhealthy circuit breakers.
func (m *Manager) GetUnhealthyProviders() []string {
	stats := m.Stats()
	var unhealthy []string

	for provider, stat := range stats {
		if !stat.IsHealthy() {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (state: %s, success: %.1f%%)",
				provider, stat.State, stat.SuccessRate*100))
		}
	}

	return unhealthy
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
