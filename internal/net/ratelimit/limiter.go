// Package ratelimit backs httpguard's outer per-provider rate limit —
// the resilience tier that sits above each Source Adapter's own
// minimum-interval floor (internal/adapters' minIntervalLimiter).
// The adapter floor is the domain contract ("never call the Composite
// Index origin more than once per 5s"); this package exists so a
// misconfigured or retrying adapter cannot still flood the provider's
// host through parallel goroutines, dispatcher-triggered on-demand
// reads, or a future adapter that forgets to apply its own floor.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// providerLimiter buckets token-bucket limiters per destination host
// under one provider's configured RPS/burst. A provider is keyed by
// host, not just by name, because a provider's base URL can resolve
// to more than one upstream host when fronted by a CDN or failover
// pool — each host earns its own bucket so one slow host's backlog
// doesn't starve a healthy one serving the same provider.
type providerLimiter struct {
	mu    sync.RWMutex
	hosts map[string]*rate.Limiter
	rps   float64
	burst int
}

func newProviderLimiter(rps float64, burst int) *providerLimiter {
	return &providerLimiter{hosts: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *providerLimiter) bucket(host string) *rate.Limiter {
	p.mu.RLock()
	b, ok := p.hosts[host]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.hosts[host]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.hosts[host] = b
	return b
}

func (p *providerLimiter) wait(ctx context.Context, host string) error {
	return p.bucket(host).Wait(ctx)
}

func (p *providerLimiter) stats() map[string]LimiterStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]LimiterStats, len(p.hosts))
	now := time.Now()
	for host, limiter := range p.hosts {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()

		out[host] = LimiterStats{
			Host:            host,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
	}
	return out
}

// LimiterStats reports one host bucket's current quota, surfaced
// through httpguard.Registry.Stats for the ambient /healthz and
// /metrics endpoints.
type LimiterStats struct {
	Host            string        `json:"host"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled reports whether the next request for this host must
// wait before being admitted.
func (s LimiterStats) IsThrottled() bool {
	return s.Delay > 0
}

// Manager holds one providerLimiter per configured provider name
// (composite, global, topcoins_primary, ...) matching
// config.ProvidersConfig's keys.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
}

// NewManager builds an empty Manager. Providers absent from it are
// treated as unthrottled, matching httpguard's pass-through-when-
// unconfigured contract.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]*providerLimiter)}
}

// AddProvider registers a provider's RPS/burst quota.
func (m *Manager) AddProvider(name string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = newProviderLimiter(rps, burst)
}

// Wait blocks until a request to host under provider is admitted, or
// ctx is canceled first. A provider with no registered quota returns
// immediately: the minimum-interval floor inside the adapter itself
// is the actual backstop in that case.
func (m *Manager) Wait(ctx context.Context, provider, host string) error {
	m.mu.RLock()
	p, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.wait(ctx, host)
}

// Stats returns per-provider, per-host quota snapshots.
func (m *Manager) Stats() map[string]map[string]LimiterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]LimiterStats, len(m.providers))
	for name, p := range m.providers {
		out[name] = p.stats()
	}
	return out
}
