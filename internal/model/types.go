// Package model holds the shared value types passed between the cache
// store, source adapters, collector loops, dispatcher, and stream server.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IndexKind is the tagged variant identifying what a CachedRecord holds.
type IndexKind string

const (
	KindUpbitComposite  IndexKind = "upbit_composite"
	KindGlobalCrypto    IndexKind = "global_crypto"
	KindFxRate          IndexKind = "fx_rate"
	KindTopCoinsSnapshot IndexKind = "top_coins_snapshot"
)

// Well-known codes within a kind.
const (
	CodeUBCI     = "ubci"
	CodeUBMI     = "ubmi"
	CodeUB10     = "ub10"
	CodeUB30     = "ub30"
	CodeUSDKRW   = "USD_KRW"
	CodeTopCoins = "top_coins"
)

// Reading is a single scalar value plus its change, the shape shared by
// every index/FX series (Upbit composite members, FX, and the
// change-bearing global-crypto fields).
type Reading struct {
	Value         decimal.Decimal `json:"value"`
	ChangeAbs     decimal.Decimal `json:"change"`
	ChangeRatePct decimal.Decimal `json:"change_rate"`
}

// IsPositive reports whether this reading carries a meaningful,
// structurally valid value (value > 0).
func (r Reading) IsPositive() bool {
	return r.Value.IsPositive()
}

// ReadingFromFloat builds a value-only Reading from a float64, for
// providers (like the global-crypto aggregate) that report a bare
// number with no accompanying change/change_rate.
func ReadingFromFloat(v float64) Reading {
	return Reading{Value: decimal.NewFromFloat(v)}
}

// CachedRecord is the unit of storage in the Cache Store. Exactly one
// of Reading/Payload is meaningful depending on Kind: scalar kinds
// (UpbitComposite, FxRate) use Reading; GlobalCrypto uses Reading per
// field keyed separately by Code; TopCoinsSnapshot uses Payload to
// carry the encoded CoinRow list.
type CachedRecord struct {
	Kind       IndexKind     `json:"kind"`
	Code       string        `json:"code"`
	SourceTag  string        `json:"source_tag,omitempty"`
	Reading    Reading       `json:"reading,omitempty"`
	Payload    []CoinRow     `json:"payload,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
	TTLSeconds int           `json:"ttl_seconds"`
}

// Key returns the composite (kind, code, source_tag) cache key.
func (r CachedRecord) Key() string {
	return string(r.Kind) + "|" + r.Code + "|" + r.SourceTag
}

// IsFresh reports whether the record is within its advisory TTL budget.
func (r CachedRecord) IsFresh(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return true
	}
	return now.Sub(r.UpdatedAt) < time.Duration(r.TTLSeconds)*time.Second
}

// IsZeroValue reports whether the record carries no meaningful data and
// must never clobber an existing non-zero record. Scalar records are
// zero when their Reading has a non-positive value; TopCoinsSnapshot is
// zero when its Payload is empty.
func (r CachedRecord) IsZeroValue() bool {
	if r.Kind == KindTopCoinsSnapshot {
		return len(r.Payload) == 0
	}
	return !r.Reading.IsPositive()
}

// CoinRow is a single row of the top-coins table.
type CoinRow struct {
	ID                       string          `json:"id"`
	Symbol                   string          `json:"symbol"`
	Name                     string          `json:"name"`
	PriceUSD                 decimal.Decimal `json:"current_price"`
	ChangePct24h             decimal.Decimal `json:"price_change_percentage_24h"`
	ChangePct7d              decimal.Decimal `json:"price_change_percentage_7d,omitempty"`
	MarketCap                decimal.Decimal `json:"market_cap"`
	SourceTag                string          `json:"source"`
	Sparkline7d              []float64       `json:"sparkline,omitempty"`
	PriceUSDFormatted        string          `json:"price_usd_formatted,omitempty"`
	PriceKRWFormatted        string          `json:"price_krw_formatted,omitempty"`
}

// PageClass classifies a connected client by the page it is viewing,
// a closed tagged variant plus Unknown, with a total policy function
// (see dispatcher.CadenceTable) over it.
type PageClass string

const (
	PageDashboard PageClass = "dashboard"
	PageOther     PageClass = "other"
	PageUnknown   PageClass = "unknown"
)

// ParsePageClass maps a raw page identifier string to a PageClass,
// collapsing anything unrecognized to PageUnknown.
func ParsePageClass(raw string) PageClass {
	switch PageClass(raw) {
	case PageDashboard, PageOther:
		return PageClass(raw)
	default:
		return PageUnknown
	}
}

// ClientSession describes one connected websocket client as tracked by
// the Dispatcher.
type ClientSession struct {
	ID                    string
	Remote                string
	Page                  PageClass
	ConnectedAt           time.Time
	RequestedIntervalSec  int
}

// ScalarSnapshot is the {value, change, change_rate} shape used
// throughout the wire protocol for a single series.
type ScalarSnapshot struct {
	Value      float64 `json:"value"`
	Change     float64 `json:"change"`
	ChangeRate float64 `json:"change_rate"`
}

// GlobalSnapshot is the global-crypto aggregate payload.
type GlobalSnapshot struct {
	TotalMarketCapUSD      float64 `json:"total_market_cap_usd"`
	TotalVolumeUSD         float64 `json:"total_volume_usd"`
	BTCDominance           float64 `json:"btc_dominance"`
	ETHDominance           float64 `json:"eth_dominance,omitempty"`
	MarketCapChange24h     float64 `json:"market_cap_change_24h"`
	VolumeToMarketCapRatio float64 `json:"volume_to_market_cap_ratio"`
}

// MarketSnapshot is the fully assembled payload the Dispatcher sends to
// clients. It is transient and never persisted.
type MarketSnapshot struct {
	Upbit          map[string]ScalarSnapshot `json:"upbit"`
	USDKRW         ScalarSnapshot            `json:"usd_krw"`
	Global         GlobalSnapshot            `json:"global"`
	TopCoins       []CoinRow                 `json:"top_coins"`
	GeneratedAt    time.Time                 `json:"-"`
	UpdateDuration float64                   `json:"update_duration,omitempty"`
}
