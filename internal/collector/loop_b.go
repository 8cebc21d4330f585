package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/adapters"
	"github.com/woosul/marketfabric/internal/cache"
	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/model"
)

// LoopB is Collector Loop B: Global + Top-Coins.
type LoopB struct {
	store            *cache.Store
	global           *adapters.GlobalAdapter
	topCoinsPrimary  *adapters.TopCoinsPrimaryAdapter
	topCoinsFallback *adapters.TopCoinsFallbackAdapter
	settings         config.Settings
	isDashboardActive DashboardActiveFunc
	fastInterval      time.Duration
	metrics           loopMetrics
	log               zerolog.Logger
	clock             tickClock
}

// LastTick returns when Loop B last completed a tick, for the
// ambient health surface.
func (l *LoopB) LastTick() time.Time { return l.clock.LastTick() }

// NewLoopB builds Loop B. fastInterval is the dashboard-active cadence
// (e.g. 6s).
func NewLoopB(store *cache.Store, global *adapters.GlobalAdapter, primary *adapters.TopCoinsPrimaryAdapter, fallback *adapters.TopCoinsFallbackAdapter, settings config.Settings, isDashboardActive DashboardActiveFunc, fastInterval time.Duration, log zerolog.Logger) *LoopB {
	return &LoopB{
		store:             store,
		global:            global,
		topCoinsPrimary:   primary,
		topCoinsFallback:  fallback,
		settings:          settings,
		isDashboardActive: isDashboardActive,
		fastInterval:      fastInterval,
		metrics:           noopMetrics(),
		log:               loopLogger(log, "collector_b"),
	}
}

// WithMetrics installs an observability sink for per-tick counters,
// latencies, and the computed interval gauge.
func (l *LoopB) WithMetrics(m loopMetrics) *LoopB {
	l.metrics = m
	return l
}

// Run executes the loop until ctx is canceled, firing an immediate
// first tick on entry.
func (l *LoopB) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.tick(ctx)
		l.clock.mark()

		interval := resolveInterval(l.isDashboardActive(), l.fastInterval, l.settings)
		l.metrics.onInterval("collector_b", interval)

		sleepInSlices(ctx, interval, func() time.Duration {
			return resolveInterval(l.isDashboardActive(), l.fastInterval, l.settings)
		})
	}
}

func (l *LoopB) tick(ctx context.Context) {
	l.tickGlobal(ctx)
	l.tickTopCoins(ctx)
}

func (l *LoopB) tickGlobal(ctx context.Context) {
	var snap adapters.GlobalSnapshot
	err := timeCall(l.metrics, "global", func() error {
		var fetchErr error
		snap, fetchErr = l.global.Fetch(ctx)
		return fetchErr
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("global adapter failed, preserving last-good values")
		return
	}

	now := time.Now()
	recs := []model.CachedRecord{
		{Kind: model.KindGlobalCrypto, Code: "total_market_cap_usd", Reading: snap.TotalMarketCapUSD, UpdatedAt: now, TTLSeconds: 120},
		{Kind: model.KindGlobalCrypto, Code: "total_volume_usd", Reading: snap.TotalVolumeUSD, UpdatedAt: now, TTLSeconds: 120},
		{Kind: model.KindGlobalCrypto, Code: "btc_dominance", Reading: snap.BTCDominance, UpdatedAt: now, TTLSeconds: 120},
		{Kind: model.KindGlobalCrypto, Code: "eth_dominance", Reading: snap.ETHDominance, UpdatedAt: now, TTLSeconds: 120},
		{Kind: model.KindGlobalCrypto, Code: "market_cap_change_24h", Reading: snap.MarketCapChange24h, UpdatedAt: now, TTLSeconds: 120},
		{Kind: model.KindGlobalCrypto, Code: "volume_to_market_cap_ratio", Reading: snap.VolumeToMarketCapRatio, UpdatedAt: now, TTLSeconds: 120},
	}

	applied := l.store.UpsertMany(recs)
	l.log.Debug().Int("applied", applied).Msg("global-crypto fields upserted")
}

func (l *LoopB) tickTopCoins(ctx context.Context) {
	var rows []model.CoinRow
	err := timeCall(l.metrics, "topcoins_primary", func() error {
		var fetchErr error
		rows, fetchErr = l.topCoinsPrimary.Fetch(ctx)
		return fetchErr
	})

	sourceTag := "primary"
	if err != nil || !adapters.ValidateCoinRows(rows) {
		l.log.Debug().Err(err).Msg("topcoins primary invalid, falling back")
		sourceTag = "fallback"
		err = timeCall(l.metrics, "topcoins_fallback", func() error {
			var fetchErr error
			rows, fetchErr = l.topCoinsFallback.Fetch(ctx)
			return fetchErr
		})
		if err != nil || !adapters.ValidateCoinRows(rows) {
			l.log.Warn().Err(err).Msg("topcoins fallback also invalid, preserving last-good snapshot")
			return
		}
	}

	l.store.Upsert(model.CachedRecord{
		Kind:       model.KindTopCoinsSnapshot,
		Code:       model.CodeTopCoins,
		SourceTag:  sourceTag,
		Payload:    rows,
		UpdatedAt:  time.Now(),
		TTLSeconds: 60,
	})
}
