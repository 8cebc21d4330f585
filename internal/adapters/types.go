// Package adapters implements the Source Adapters module: pure
// request/response fetchers with no scheduling of their own, each
// enforcing its own minimum inter-call interval.
package adapters

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/woosul/marketfabric/internal/model"
)

// Sentinel errors making up the SourceError taxonomy. Wrapped with
// fmt.Errorf("...: %w", err) at each boundary so callers can errors.Is
// against these.
var (
	ErrTimeout     = errors.New("adapter: timeout")
	ErrRateLimited = errors.New("adapter: rate limited")
	ErrParseFailed = errors.New("adapter: parse failed")
	ErrUnavailable = errors.New("adapter: unavailable")
	ErrInvalidData = errors.New("adapter: invalid data")
)

// CompositeSnapshot is the Composite-Index Adapter's result: four Upbit
// index readings plus, when extractable, the FX reading.
type CompositeSnapshot struct {
	Indices map[string]model.Reading // keyed by ubci/ubmi/ub10/ub30
	FX      model.Reading
	HasFX   bool
}

// Valid reports whether at least one index has a positive value, per
// §4.2.1: "A result is valid iff at least one index has value > 0."
func (s CompositeSnapshot) Valid() bool {
	for _, r := range s.Indices {
		if r.IsPositive() {
			return true
		}
	}
	return false
}

// GlobalSnapshot is the Global-Crypto Adapter's result.
type GlobalSnapshot struct {
	TotalMarketCapUSD      model.Reading
	TotalVolumeUSD         model.Reading
	BTCDominance           model.Reading
	ETHDominance           model.Reading
	MarketCapChange24h     model.Reading
	VolumeToMarketCapRatio model.Reading
}

// Valid reports whether at least one field is structurally present
// (positive), per the scalar validation rule in §4.2.
func (s GlobalSnapshot) Valid() bool {
	return s.TotalMarketCapUSD.IsPositive() || s.TotalVolumeUSD.IsPositive() || s.BTCDominance.IsPositive()
}

// FXSnapshot is the FX-Fallback Adapter's result.
type FXSnapshot struct {
	Reading model.Reading
	Stale   bool // true when served from the adapter's own last-known cache
}

// minIntervalLimiter enforces a per-adapter minimum inter-call
// interval using a token bucket of burst 1, refilled at 1/interval,
// matching §4.2's "published rate limit x 1.2 safety factor" floors.
// Grounded on the teacher's rate-limiting pattern (token bucket over
// golang.org/x/time/rate) but scoped to a single adapter instead of a
// per-host map, since each adapter owns exactly one floor.
type minIntervalLimiter struct {
	limiter *rate.Limiter
}

func newMinIntervalLimiter(interval time.Duration) *minIntervalLimiter {
	return &minIntervalLimiter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether a call is permitted right now without waiting,
// refusing with ErrRateLimited when the floor would be violated — the
// adapter enforces its own floor rather than retrying internally.
func (m *minIntervalLimiter) Allow() bool {
	return m.limiter.Allow()
}

// httpClientTimeout is the default per-call timeout used by adapters
// that don't override it via AdapterConfig.
const httpClientTimeout = 10 * time.Second

// ctxWithTimeout is a small convenience used by every adapter's Fetch
// to bound the call even when the caller's ctx carries no deadline.
func ctxWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = httpClientTimeout
	}
	return context.WithTimeout(ctx, d)
}
