package dispatcher

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/woosul/marketfabric/internal/model"
)

// buildSnapshot assembles a MarketSnapshot from the current Cache
// Store contents per §4.4/§6: Upbit composite members keyed by code,
// the USD/KRW rate, the global-crypto aggregate fields, and the
// top-coins table preferring source_tag="primary" over "fallback".
// Returns ok=false when there isn't enough cached data yet to build a
// meaningful snapshot (e.g. nothing has been collected since startup).
func (d *Dispatcher) buildSnapshot() (model.MarketSnapshot, bool) {
	upbitRecords := d.store.GetByKind(model.KindUpbitComposite)
	if len(upbitRecords) == 0 {
		return model.MarketSnapshot{}, false
	}

	fxRec, hasFX := d.store.Get(model.KindFxRate, model.CodeUSDKRW, "")
	var fxValue decimal.Decimal
	var usdKrw model.ScalarSnapshot
	if hasFX {
		usdKrw = readingToScalar(fxRec.Reading)
		fxValue = fxRec.Reading.Value
	}

	global := d.readGlobalSnapshot()

	topCoins, ok := d.readTopCoins(fxValue)
	if !ok {
		// No usable top-coins data yet; still dispatch the rest rather
		// than blocking the whole snapshot on one module.
		topCoins = nil
	}

	out := model.MarketSnapshot{
		Upbit:       make(map[string]model.ScalarSnapshot, len(upbitRecords)),
		USDKRW:      usdKrw,
		Global:      global,
		TopCoins:    topCoins,
		GeneratedAt: time.Now(),
	}
	for _, rec := range upbitRecords {
		out.Upbit[rec.Code] = readingToScalar(rec.Reading)
	}
	return out, true
}

func (d *Dispatcher) readGlobalSnapshot() model.GlobalSnapshot {
	var g model.GlobalSnapshot
	for _, rec := range d.store.GetByKind(model.KindGlobalCrypto) {
		v, _ := rec.Reading.Value.Float64()
		switch rec.Code {
		case "total_market_cap_usd":
			g.TotalMarketCapUSD = v
		case "total_volume_usd":
			g.TotalVolumeUSD = v
		case "btc_dominance":
			g.BTCDominance = v
		case "eth_dominance":
			g.ETHDominance = v
		case "market_cap_change_24h":
			g.MarketCapChange24h = v
		case "volume_to_market_cap_ratio":
			g.VolumeToMarketCapRatio = v
		}
	}
	return g
}

// readTopCoins prefers the primary source tag over fallback, but only
// a fresh primary: a stale primary record (adapter gone quiet past its
// TTL) falls through to fallback rather than serving stale data ahead
// of a fresher fallback reading, per the fallback-ordering property:
// fresh primary > fallback > absent.
func (d *Dispatcher) readTopCoins(fx decimal.Decimal) ([]model.CoinRow, bool) {
	now := time.Now()
	if rec, ok := d.store.Get(model.KindTopCoinsSnapshot, model.CodeTopCoins, "primary"); ok && len(rec.Payload) > 0 && rec.IsFresh(now) {
		return applyCoinRowFormatting(rec.Payload, fx), true
	}
	if rec, ok := d.store.Get(model.KindTopCoinsSnapshot, model.CodeTopCoins, "fallback"); ok && len(rec.Payload) > 0 {
		return applyCoinRowFormatting(rec.Payload, fx), true
	}
	return nil, false
}
