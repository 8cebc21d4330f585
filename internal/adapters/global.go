package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/model"
)

// GlobalAdapter implements the Global-Crypto Adapter: a single REST
// call returning the market-wide aggregate fields. Rate-limit floor: 4s.
type GlobalAdapter struct {
	httpClient *http.Client
	url        string
	limiter    *minIntervalLimiter
	log        zerolog.Logger
}

// NewGlobalAdapter builds the adapter against url (the provider's
// /global endpoint).
func NewGlobalAdapter(url string, timeout time.Duration, log zerolog.Logger) *GlobalAdapter {
	return &GlobalAdapter{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		limiter:    newMinIntervalLimiter(4 * time.Second),
		log:        log.With().Str("component", "adapter_global").Logger(),
	}
}

// SetTransport installs rt as the adapter's http.Client transport, for
// the ambient per-provider circuit-breaker/rate-limiter tier (internal/httpguard).
func (a *GlobalAdapter) SetTransport(rt http.RoundTripper) {
	a.httpClient.Transport = rt
}

// globalAPIResponse mirrors the wrapper shape most market-cap
// aggregators use: a top-level "data" object holding the fields we need.
type globalAPIResponse struct {
	Data struct {
		TotalMarketCap        map[string]float64 `json:"total_market_cap"`
		TotalVolume           map[string]float64 `json:"total_volume"`
		MarketCapPercentage   map[string]float64 `json:"market_cap_percentage"`
		MarketCapChangePct24h float64            `json:"market_cap_change_percentage_24h_usd"`
	} `json:"data"`
}

// Fetch performs the single REST call and validates the response.
func (a *GlobalAdapter) Fetch(ctx context.Context) (GlobalSnapshot, error) {
	if !a.limiter.Allow() {
		return GlobalSnapshot{}, fmt.Errorf("global adapter: %w", ErrRateLimited)
	}

	ctx, cancel := ctxWithTimeout(ctx, 0)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return GlobalSnapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return GlobalSnapshot{}, fmt.Errorf("global request: %w", ErrTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return GlobalSnapshot{}, fmt.Errorf("global http %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var body globalAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return GlobalSnapshot{}, fmt.Errorf("decode global response: %w", ErrParseFailed)
	}

	usdCap := body.Data.TotalMarketCap["usd"]
	usdVol := body.Data.TotalVolume["usd"]
	btcDom := body.Data.MarketCapPercentage["btc"]
	ethDom := body.Data.MarketCapPercentage["eth"]

	snap := GlobalSnapshot{
		// The upstream aggregate fields structurally never carry their
		// own change/change_rate, so those are always zero per the
		// resolved Open Question in Design Notes §9 — writing them with
		// zeros is correct here, not a no-clobber violation.
		TotalMarketCapUSD:  model.ReadingFromFloat(usdCap),
		TotalVolumeUSD:     model.ReadingFromFloat(usdVol),
		BTCDominance:       model.ReadingFromFloat(btcDom),
		ETHDominance:       model.ReadingFromFloat(ethDom),
		MarketCapChange24h: model.ReadingFromFloat(body.Data.MarketCapChangePct24h),
	}
	if usdCap > 0 {
		snap.VolumeToMarketCapRatio = model.ReadingFromFloat(usdVol / usdCap)
	}

	if !snap.Valid() {
		return GlobalSnapshot{}, fmt.Errorf("global snapshot: %w", ErrInvalidData)
	}
	return snap, nil
}
