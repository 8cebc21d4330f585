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

// TopCoinsFallbackAdapter implements the Top-Coins Fallback Adapter: a
// single REST call returning a ranked list including sparkline,
// market cap, and 24h/7d changes. Rate limit floor: 4s.
type TopCoinsFallbackAdapter struct {
	httpClient *http.Client
	url        string
	limit      int
	limiter    *minIntervalLimiter
	log        zerolog.Logger
}

// NewTopCoinsFallbackAdapter builds the adapter against the ranked
// listing endpoint url, returning at most the top `limit` coins.
func NewTopCoinsFallbackAdapter(url string, limit int, timeout time.Duration, log zerolog.Logger) *TopCoinsFallbackAdapter {
	return &TopCoinsFallbackAdapter{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		limit:      limit,
		limiter:    newMinIntervalLimiter(4 * time.Second),
		log:        log.With().Str("component", "adapter_topcoins_fallback").Logger(),
	}
}

// SetTransport installs rt as the adapter's http.Client transport, for
// the ambient per-provider circuit-breaker/rate-limiter tier (internal/httpguard).
func (a *TopCoinsFallbackAdapter) SetTransport(rt http.RoundTripper) {
	a.httpClient.Transport = rt
}

type rankedCoin struct {
	ID                         string    `json:"id"`
	Symbol                     string    `json:"symbol"`
	Name                       string    `json:"name"`
	CurrentPrice               float64   `json:"current_price"`
	MarketCap                  float64   `json:"market_cap"`
	PriceChangePct24h          float64   `json:"price_change_percentage_24h"`
	PriceChangePct7dInCurrency float64   `json:"price_change_percentage_7d_in_currency"`
	SparklineIn7d              struct {
		Price []float64 `json:"price"`
	} `json:"sparkline_in_7d"`
}

// Fetch performs the single ranked-listing call and normalizes rows
// into the shared CoinRow schema with source_tag="fallback".
func (a *TopCoinsFallbackAdapter) Fetch(ctx context.Context) ([]model.CoinRow, error) {
	if !a.limiter.Allow() {
		return nil, fmt.Errorf("topcoins fallback: %w", ErrRateLimited)
	}

	ctx, cancel := ctxWithTimeout(ctx, 0)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", ErrTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var ranked []rankedCoin
	if err := json.NewDecoder(resp.Body).Decode(&ranked); err != nil {
		return nil, fmt.Errorf("decode: %w", ErrParseFailed)
	}

	rows := make([]model.CoinRow, 0, len(ranked))
	for _, c := range ranked {
		if c.CurrentPrice <= 0 {
			continue
		}
		rows = append(rows, model.CoinRow{
			ID:           c.ID,
			Symbol:       c.Symbol,
			Name:         c.Name,
			PriceUSD:     model.ReadingFromFloat(c.CurrentPrice).Value,
			ChangePct24h: model.ReadingFromFloat(c.PriceChangePct24h).Value,
			ChangePct7d:  model.ReadingFromFloat(c.PriceChangePct7dInCurrency).Value,
			MarketCap:    model.ReadingFromFloat(c.MarketCap).Value,
			SourceTag:    "fallback",
			Sparkline7d:  c.SparklineIn7d.Price,
		})
	}

	if a.limit > 0 && len(rows) > a.limit {
		rows = rows[:a.limit]
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("topcoins fallback: %w", ErrInvalidData)
	}
	return rows, nil
}
