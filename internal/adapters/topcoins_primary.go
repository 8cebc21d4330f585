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

// TopCoinsPrimaryAdapter implements the Top-Coins Primary Adapter: one
// REST call per coin from a fixed list to obtain a 24h ticker. Rate
// limit floor: 100ms per request, 1s for the whole bundle.
type TopCoinsPrimaryAdapter struct {
	httpClient  *http.Client
	tickerURLFn func(symbol string) string
	symbols     []string
	perCallLimiter *minIntervalLimiter
	bundleLimiter  *minIntervalLimiter
	log            zerolog.Logger
}

// NewTopCoinsPrimaryAdapter builds the adapter. tickerURLFn renders
// the per-symbol ticker URL for a fixed coin list of at most 10 symbols.
func NewTopCoinsPrimaryAdapter(symbols []string, tickerURLFn func(symbol string) string, timeout time.Duration, log zerolog.Logger) *TopCoinsPrimaryAdapter {
	return &TopCoinsPrimaryAdapter{
		httpClient:     &http.Client{Timeout: timeout},
		tickerURLFn:    tickerURLFn,
		symbols:        symbols,
		perCallLimiter: newMinIntervalLimiter(100 * time.Millisecond),
		bundleLimiter:  newMinIntervalLimiter(1 * time.Second),
		log:            log.With().Str("component", "adapter_topcoins_primary").Logger(),
	}
}

// SetTransport installs rt as the adapter's http.Client transport, for
// the ambient per-provider circuit-breaker/rate-limiter tier (internal/httpguard).
func (a *TopCoinsPrimaryAdapter) SetTransport(rt http.RoundTripper) {
	a.httpClient.Transport = rt
}

type tickerResponse struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	PriceUSD         float64 `json:"price_usd"`
	ChangePct24h     float64 `json:"change_pct_24h"`
}

// Fetch calls the ticker endpoint for each configured symbol and
// assembles the rows with source_tag="primary". Per-symbol failures are
// skipped rather than aborting the whole bundle; an empty result is
// returned as ErrInvalidData, and the caller then falls back to the
// Fallback Adapter.
func (a *TopCoinsPrimaryAdapter) Fetch(ctx context.Context) ([]model.CoinRow, error) {
	if !a.bundleLimiter.Allow() {
		return nil, fmt.Errorf("topcoins primary bundle: %w", ErrRateLimited)
	}

	rows := make([]model.CoinRow, 0, len(a.symbols))
	for _, symbol := range a.symbols {
		if !a.perCallLimiter.Allow() {
			a.log.Debug().Str("symbol", symbol).Msg("per-call floor hit, skipping this tick")
			continue
		}

		row, err := a.fetchOne(ctx, symbol)
		if err != nil {
			a.log.Debug().Err(err).Str("symbol", symbol).Msg("ticker fetch failed")
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("topcoins primary: %w", ErrInvalidData)
	}
	return rows, nil
}

func (a *TopCoinsPrimaryAdapter) fetchOne(ctx context.Context, symbol string) (model.CoinRow, error) {
	ctx, cancel := ctxWithTimeout(ctx, 0)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.tickerURLFn(symbol), nil)
	if err != nil {
		return model.CoinRow{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return model.CoinRow{}, fmt.Errorf("request: %w", ErrTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.CoinRow{}, fmt.Errorf("http %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var tr tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return model.CoinRow{}, fmt.Errorf("decode: %w", ErrParseFailed)
	}

	if tr.PriceUSD <= 0 {
		return model.CoinRow{}, fmt.Errorf("non-positive price: %w", ErrInvalidData)
	}

	return model.CoinRow{
		ID:           symbol,
		Symbol:       symbol,
		Name:         tr.Name,
		PriceUSD:     model.ReadingFromFloat(tr.PriceUSD).Value,
		ChangePct24h: model.ReadingFromFloat(tr.ChangePct24h).Value,
		SourceTag:    "primary",
	}, nil
}
