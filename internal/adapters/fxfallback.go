package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/model"
)

const lastKnownFXKey = "usd_krw"

// FXFallbackAdapter implements the FX-Fallback Adapter, used only when
// the Composite-Index Adapter did not return a valid FX reading. It
// tries an authenticated real-time strategy (hourly floor, respecting
// a monthly quota) then a daily-update strategy (two-day lookback for
// change computation), and when both fail falls back to its own
// last-known-good reading, reporting it as stale via Result metadata.
// The last-known cache is grounded on the same patrickmn/go-cache +
// stale-while-revalidate pattern used by this codebase's exchange-rate
// reference implementation, independent of the core Cache Store.
type FXFallbackAdapter struct {
	httpClient  *http.Client
	realtimeURL string
	apiKey      string
	dailyURL    string

	realtimeLimiter *minIntervalLimiter
	dailyLimiter    *minIntervalLimiter

	lastKnown *cache.Cache
	log       zerolog.Logger
}

// NewFXFallbackAdapter builds the adapter. apiKey authenticates the
// real-time strategy; the daily strategy needs none.
func NewFXFallbackAdapter(realtimeURL, apiKey, dailyURL string, timeout time.Duration, log zerolog.Logger) *FXFallbackAdapter {
	return &FXFallbackAdapter{
		httpClient:      &http.Client{Timeout: timeout},
		realtimeURL:     realtimeURL,
		apiKey:          apiKey,
		dailyURL:        dailyURL,
		realtimeLimiter: newMinIntervalLimiter(1 * time.Hour),
		dailyLimiter:    newMinIntervalLimiter(24 * time.Hour),
		lastKnown:       cache.New(cache.NoExpiration, 0),
		log:             log.With().Str("component", "adapter_fx_fallback").Logger(),
	}
}

// SetTransport installs rt as the adapter's http.Client transport, for
// the ambient per-provider circuit-breaker/rate-limiter tier (internal/httpguard).
func (a *FXFallbackAdapter) SetTransport(rt http.RoundTripper) {
	a.httpClient.Transport = rt
}

type realtimeFXResponse struct {
	Rates map[string]float64 `json:"rates"`
}

type dailyFXResponse struct {
	Rates     map[string]float64            `json:"rates"`
	Historic  map[string]map[string]float64 `json:"historic,omitempty"`
}

// Fetch tries the real-time strategy, then the daily strategy, then
// the last-known-good reading.
func (a *FXFallbackAdapter) Fetch(ctx context.Context) (FXSnapshot, error) {
	if snap, ok := a.tryRealtime(ctx); ok {
		a.remember(snap)
		return snap, nil
	}
	if snap, ok := a.tryDaily(ctx); ok {
		a.remember(snap)
		return snap, nil
	}

	if cached, ok := a.lastKnown.Get(lastKnownFXKey); ok {
		snap := cached.(FXSnapshot)
		snap.Stale = true
		a.log.Warn().Msg("fx fallback: serving last-known-good reading")
		return snap, nil
	}

	return FXSnapshot{}, fmt.Errorf("fx fallback: %w", ErrUnavailable)
}

func (a *FXFallbackAdapter) remember(snap FXSnapshot) {
	snap.Stale = false
	a.lastKnown.Set(lastKnownFXKey, snap, cache.NoExpiration)
}

func (a *FXFallbackAdapter) tryRealtime(ctx context.Context) (FXSnapshot, bool) {
	if a.realtimeURL == "" || !a.realtimeLimiter.Allow() {
		return FXSnapshot{}, false
	}

	ctx, cancel := ctxWithTimeout(ctx, 0)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.realtimeURL, nil)
	if err != nil {
		return FXSnapshot{}, false
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Debug().Err(err).Msg("fx realtime request failed")
		return FXSnapshot{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Debug().Int("status", resp.StatusCode).Msg("fx realtime non-200")
		return FXSnapshot{}, false
	}

	var body realtimeFXResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return FXSnapshot{}, false
	}

	krw, ok := body.Rates["KRW"]
	if !ok || krw <= 0 {
		return FXSnapshot{}, false
	}

	return FXSnapshot{Reading: model.ReadingFromFloat(krw)}, true
}

func (a *FXFallbackAdapter) tryDaily(ctx context.Context) (FXSnapshot, bool) {
	if a.dailyURL == "" || !a.dailyLimiter.Allow() {
		return FXSnapshot{}, false
	}

	ctx, cancel := ctxWithTimeout(ctx, 0)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.dailyURL, nil)
	if err != nil {
		return FXSnapshot{}, false
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Debug().Err(err).Msg("fx daily request failed")
		return FXSnapshot{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FXSnapshot{}, false
	}

	var body dailyFXResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return FXSnapshot{}, false
	}

	krw, ok := body.Rates["KRW"]
	if !ok || krw <= 0 {
		return FXSnapshot{}, false
	}

	reading := model.ReadingFromFloat(krw)
	// Two-day lookback for change computation when history is present.
	if hist, ok := body.Historic["-2d"]; ok {
		if prior, ok := hist["KRW"]; ok && prior > 0 {
			reading.ChangeAbs = reading.Value.Sub(model.ReadingFromFloat(prior).Value)
			reading.ChangeRatePct = reading.ChangeAbs.Div(model.ReadingFromFloat(prior).Value).Mul(model.ReadingFromFloat(100).Value)
		}
	}

	return FXSnapshot{Reading: reading}, true
}
