// Package httpguard wraps an *http.Client's transport with the
// per-provider circuit breaker and rate limiter described by
// config.ProvidersConfig, an outer resilience tier layered above each
// Source Adapter's own §4.2 minimum-interval floor rather than a
// replacement for it: the floor belongs to the adapter, which must
// refuse with ErrRateLimited on its own; this tier exists to stop a
// single degraded provider's retries from starving the process of
// file descriptors and goroutines.
package httpguard

import (
	"context"
	"fmt"
	"net/http"

	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/net/circuit"
	"github.com/woosul/marketfabric/internal/net/ratelimit"
)

// Registry builds one circuit breaker and one rate limiter per
// provider named in a config.ProvidersConfig, and hands out guarded
// http.RoundTrippers wrapping a caller-supplied base transport.
type Registry struct {
	breakers *circuit.Manager
	limiters *ratelimit.Manager
	cfg      *config.ProvidersConfig
}

// NewRegistry builds a Registry from cfg. A nil cfg yields a Registry
// whose Transport just passes calls through unguarded, so wiring this
// is optional.
func NewRegistry(cfg *config.ProvidersConfig) *Registry {
	r := &Registry{
		breakers: circuit.NewManager(),
		limiters: ratelimit.NewManager(),
		cfg:      cfg,
	}
	if cfg == nil {
		return r
	}
	for name, p := range cfg.Providers {
		r.breakers.AddProvider(name, circuit.Config{
			FailureThreshold: p.Circuit.FailureThreshold,
			SuccessThreshold: p.Circuit.SuccessThreshold,
			Timeout:          p.GetMaxBackoff(),
			RequestTimeout:   p.GetRequestTimeout(),
		})
		r.limiters.AddProvider(name, float64(p.RPS), p.Burst)
	}
	return r
}

// Transport returns an http.RoundTripper for the named provider that
// rate-limits then circuit-breaks every request through base (or
// http.DefaultTransport if base is nil). Calling Transport for a
// provider absent from the underlying config is safe: both the
// breaker and limiter managers treat an unconfigured provider as
// "allow everything," matching their documented behavior.
func (r *Registry) Transport(provider string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &guardedTransport{provider: provider, base: base, registry: r}
}

type guardedTransport struct {
	provider string
	base     http.RoundTripper
	registry *Registry
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := t.registry.limiters.Wait(ctx, t.provider, req.URL.Host); err != nil {
		return nil, fmt.Errorf("httpguard: rate limiter wait: %w", err)
	}

	var resp *http.Response
	err := t.registry.breakers.Call(ctx, t.provider, func(ctx context.Context) error {
		r, rtErr := t.base.RoundTrip(req.WithContext(ctx))
		if rtErr != nil {
			return rtErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("httpguard: %s: %w", t.provider, err)
	}
	return resp, nil
}

// Stats exposes both managers' per-provider health for the ambient
// /healthz and /metrics surfaces.
func (r *Registry) Stats() (circuitStats map[string]circuit.Stats, limiterStats map[string]map[string]ratelimit.LimiterStats) {
	return r.breakers.Stats(), r.limiters.Stats()
}
