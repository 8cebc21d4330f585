package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/woosul/marketfabric/internal/model"
)

// compositeStrategy is one stage of the Composite-Index Adapter's
// chain-of-strategies fallback: each has a try() that either produces
// a CompositeSnapshot or fails, and the adapter accepts the first whose
// result validates. Representing the three stages this way (rather
// than one large method with nested ifs) makes adding a fourth
// strategy additive, per Design Notes §9.
type compositeStrategy interface {
	name() string
	try(ctx context.Context) (CompositeSnapshot, error)
}

// Browser is the scoped external resource the structured-selector
// strategy needs. No headless-browser Go library appears anywhere in
// this codebase's lineage or the rest of the reference pack, so the
// dependency is expressed as an interface: a real implementation backs
// it with whatever automation tool is available at deploy time (e.g. a
// chromedp-driven process out of process), while tests substitute a
// fake that returns canned text. The mutex in CompositeAdapter fences
// concurrent calls from racing a single shared Browser instance, per
// §9's "fence it behind a mutex" requirement.
type Browser interface {
	// EvaluateVisibleText loads url and returns the page's rendered,
	// visible text content (post-JS execution).
	EvaluateVisibleText(ctx context.Context, url string) (string, error)
}

// CompositeAdapter implements the Composite-Index Adapter: Upbit
// composite indices plus bundled FX, behind a three-stage fallback
// chain with a 5s floor between successful scrapes.
type CompositeAdapter struct {
	browser    Browser
	httpClient *http.Client
	primaryURL string
	altURL     string

	browserMu sync.Mutex // fences concurrent calls to the shared Browser
	limiter   *minIntervalLimiter
	log       zerolog.Logger
}

// NewCompositeAdapter builds the adapter. browser may be nil, in which
// case stage 1 is skipped and the chain starts at stage 2.
func NewCompositeAdapter(browser Browser, primaryURL, altURL string, timeout time.Duration, log zerolog.Logger) *CompositeAdapter {
	return &CompositeAdapter{
		browser:    browser,
		httpClient: &http.Client{Timeout: timeout},
		primaryURL: primaryURL,
		altURL:     altURL,
		limiter:    newMinIntervalLimiter(5 * time.Second),
		log:        log.With().Str("component", "adapter_composite").Logger(),
	}
}

// SetTransport installs rt as the adapter's http.Client transport, for
// the ambient per-provider circuit-breaker/rate-limiter tier (internal/httpguard).
func (a *CompositeAdapter) SetTransport(rt http.RoundTripper) {
	a.httpClient.Transport = rt
}

var compositeAnchors = map[string]string{
	"UBCI": model.CodeUBCI,
	"UBMI": model.CodeUBMI,
	"UB10": model.CodeUB10,
	"UB30": model.CodeUB30,
}

const fxAnchor = "USD/KRW"

// Fetch runs the three-stage fallback chain and returns the first
// strategy whose result validates (at least one index has value > 0).
func (a *CompositeAdapter) Fetch(ctx context.Context) (CompositeSnapshot, error) {
	if a.limiter.limiter.Tokens() < 1 {
		return CompositeSnapshot{}, fmt.Errorf("composite adapter: %w", ErrRateLimited)
	}

	strategies := []compositeStrategy{
		&structuredSelectorStrategy{adapter: a},
		&textLineHeuristicStrategy{adapter: a},
		&aggregateRegexSweepStrategy{adapter: a},
	}

	var lastErr error
	for _, s := range strategies {
		snap, err := s.try(ctx)
		if err != nil {
			lastErr = err
			a.log.Debug().Str("strategy", s.name()).Err(err).Msg("composite strategy failed")
			continue
		}
		if snap.Valid() {
			a.log.Info().Str("strategy", s.name()).Msg("composite strategy succeeded")
			a.limiter.Allow()
			return snap, nil
		}
		lastErr = fmt.Errorf("%s: %w", s.name(), ErrInvalidData)
	}

	if lastErr == nil {
		lastErr = ErrInvalidData
	}
	return CompositeSnapshot{}, fmt.Errorf("composite adapter: all strategies failed: %w", lastErr)
}

// structuredSelectorStrategy is stage 1: a headless browser walks
// visible text lines, finds anchor strings, and extracts the numeric
// value and signed percent-change that immediately follow each anchor.
type structuredSelectorStrategy struct{ adapter *CompositeAdapter }

func (s *structuredSelectorStrategy) name() string { return "structured_selector" }

func (s *structuredSelectorStrategy) try(ctx context.Context) (CompositeSnapshot, error) {
	a := s.adapter
	if a.browser == nil {
		return CompositeSnapshot{}, fmt.Errorf("no browser configured: %w", ErrUnavailable)
	}

	a.browserMu.Lock()
	defer a.browserMu.Unlock()

	ctx, cancel := ctxWithTimeout(ctx, 15*time.Second)
	defer cancel()

	text, err := a.browser.EvaluateVisibleText(ctx, a.primaryURL)
	if err != nil {
		return CompositeSnapshot{}, fmt.Errorf("browser evaluate: %w", ErrUnavailable)
	}

	snap := extractAnchoredReadings(text, compositeAnchors)
	if fx, ok := extractFXAnchor(text); ok {
		snap.FX, snap.HasFX = fx, true
	}
	return snap, nil
}

// textLineHeuristicStrategy is stage 2: if stage 1 yields nothing
// positive, retry against an alternate URL and regex-scan the full
// page text for each anchor followed by numbers within a small
// look-ahead window.
type textLineHeuristicStrategy struct{ adapter *CompositeAdapter }

func (s *textLineHeuristicStrategy) name() string { return "text_line_heuristic" }

var lookaheadNumberRe = regexp.MustCompile(`[-+]?\d[\d,]*\.?\d*\s*%?`)

func (s *textLineHeuristicStrategy) try(ctx context.Context) (CompositeSnapshot, error) {
	a := s.adapter
	ctx, cancel := ctxWithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := a.fetchBody(ctx, a.altURL)
	if err != nil {
		return CompositeSnapshot{}, err
	}

	snap := extractAnchoredReadings(body, compositeAnchors)
	if fx, ok := extractFXAnchor(body); ok {
		snap.FX, snap.HasFX = fx, true
	}
	return snap, nil
}

// aggregateRegexSweepStrategy is stage 3, the last resort: fetch raw
// HTML, extract every numeric token of the form d+,d+\.dd, sort
// descending, and assign the top four in order. FX is not extractable
// at this stage.
type aggregateRegexSweepStrategy struct{ adapter *CompositeAdapter }

func (s *aggregateRegexSweepStrategy) name() string { return "aggregate_regex_sweep" }

var tokenRe = regexp.MustCompile(`\d{1,3}(?:,\d{3})*\.\d{2}`)

func (s *aggregateRegexSweepStrategy) try(ctx context.Context) (CompositeSnapshot, error) {
	a := s.adapter
	ctx, cancel := ctxWithTimeout(ctx, 10*time.Second)
	defer cancel()

	html, err := a.fetchBody(ctx, a.primaryURL)
	if err != nil {
		return CompositeSnapshot{}, err
	}

	matches := tokenRe.FindAllString(html, -1)
	values := make([]decimal.Decimal, 0, len(matches))
	for _, m := range matches {
		clean := strings.ReplaceAll(m, ",", "")
		d, err := decimal.NewFromString(clean)
		if err != nil {
			continue
		}
		values = append(values, d)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].GreaterThan(values[j]) })

	codes := []string{model.CodeUBCI, model.CodeUBMI, model.CodeUB10, model.CodeUB30}
	snap := CompositeSnapshot{Indices: make(map[string]model.Reading, len(codes))}
	for i, code := range codes {
		if i < len(values) {
			snap.Indices[code] = model.Reading{Value: values[i]}
		}
	}
	return snap, nil
}

func (a *CompositeAdapter) fetchBody(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "marketfabric/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", ErrTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http %d: %w", resp.StatusCode, ErrUnavailable)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", ErrParseFailed)
	}
	return string(body), nil
}

// extractAnchoredReadings walks text line by line, and whenever a line
// contains one of the anchors, pulls the value and signed change from
// the numbers on the following lines within a short look-ahead window.
func extractAnchoredReadings(text string, anchors map[string]string) CompositeSnapshot {
	lines := strings.Split(text, "\n")
	snap := CompositeSnapshot{Indices: make(map[string]model.Reading, len(anchors))}

	for i, line := range lines {
		for anchor, code := range anchors {
			if !strings.Contains(line, anchor) {
				continue
			}
			window := strings.Join(lines[i+1:min(i+4, len(lines))], " ")
			nums := lookaheadNumberRe.FindAllString(window, -1)
			reading, ok := parseReadingFromNumbers(nums)
			if ok {
				snap.Indices[code] = reading
			}
		}
	}
	return snap
}

// extractFXAnchor extracts the USD/KRW reading from the dedicated
// anchor whose trailing three lines contain value / change / change_rate.
func extractFXAnchor(text string) (model.Reading, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, fxAnchor) {
			continue
		}
		window := strings.Join(lines[i+1:min(i+4, len(lines))], " ")
		nums := lookaheadNumberRe.FindAllString(window, -1)
		reading, ok := parseReadingFromNumbers(nums)
		if ok {
			return reading, true
		}
	}
	return model.Reading{}, false
}

// parseReadingFromNumbers interprets a short slice of number-like
// tokens as {value, change, change_rate}, tolerating a missing change
// pair (value-only anchors still count).
func parseReadingFromNumbers(nums []string) (model.Reading, bool) {
	if len(nums) == 0 {
		return model.Reading{}, false
	}

	value, err := parseDecimalToken(nums[0])
	if err != nil || !value.IsPositive() {
		return model.Reading{}, false
	}

	reading := model.Reading{Value: value}
	if len(nums) > 1 {
		if change, err := parseDecimalToken(nums[1]); err == nil {
			reading.ChangeAbs = change
		}
	}
	if len(nums) > 2 {
		if rate, err := parseDecimalToken(nums[2]); err == nil {
			reading.ChangeRatePct = rate
		}
	}
	return reading, true
}

func parseDecimalToken(tok string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(strings.TrimSuffix(tok, "%"))
	clean = strings.ReplaceAll(clean, ",", "")
	return decimal.NewFromString(clean)
}
