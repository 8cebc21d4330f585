package collector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/adapters"
	"github.com/woosul/marketfabric/internal/cache"
	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/model"
)

// LoopA is Collector Loop A: Composite (Upbit + FX). Fast cadence when
// a dashboard client is connected, slow background cadence otherwise.
type LoopA struct {
	store     *cache.Store
	composite *adapters.CompositeAdapter
	fxFallback *adapters.FXFallbackAdapter
	settings  config.Settings
	isDashboardActive DashboardActiveFunc
	fastInterval      time.Duration
	metrics           loopMetrics
	log               zerolog.Logger
	clock             tickClock
}

// LastTick returns when Loop A last completed a tick, for the
// ambient health surface.
func (l *LoopA) LastTick() time.Time { return l.clock.LastTick() }

// NewLoopA builds Loop A. fastInterval is the dashboard-active cadence
// (e.g. 5s).
func NewLoopA(store *cache.Store, composite *adapters.CompositeAdapter, fxFallback *adapters.FXFallbackAdapter, settings config.Settings, isDashboardActive DashboardActiveFunc, fastInterval time.Duration, log zerolog.Logger) *LoopA {
	return &LoopA{
		store:             store,
		composite:         composite,
		fxFallback:        fxFallback,
		settings:          settings,
		isDashboardActive: isDashboardActive,
		fastInterval:      fastInterval,
		metrics:           noopMetrics(),
		log:               loopLogger(log, "collector_a"),
	}
}

// WithMetrics installs an observability sink for per-tick counters,
// latencies, and the computed interval gauge.
func (l *LoopA) WithMetrics(m loopMetrics) *LoopA {
	l.metrics = m
	return l
}

// Run executes the loop until ctx is canceled. The first tick fires
// immediately on entry, per §4.3's "Startup" requirement.
func (l *LoopA) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.tick(ctx)
		l.clock.mark()

		interval := resolveInterval(l.isDashboardActive(), l.fastInterval, l.settings)
		l.metrics.onInterval("collector_a", interval)

		sleepInSlices(ctx, interval, func() time.Duration {
			return resolveInterval(l.isDashboardActive(), l.fastInterval, l.settings)
		})
	}
}

func (l *LoopA) tick(ctx context.Context) {
	var snap adapters.CompositeSnapshot
	err := timeCall(l.metrics, "composite", func() error {
		var fetchErr error
		snap, fetchErr = l.composite.Fetch(ctx)
		return fetchErr
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("composite adapter failed, preserving last-good values")
		return
	}

	recs := make([]model.CachedRecord, 0, len(snap.Indices))
	for code, reading := range snap.Indices {
		if !adapters.ValidateScalar(reading) {
			continue // partial-fill: skip indices with no meaningful value
		}
		recs = append(recs, model.CachedRecord{
			Kind:       model.KindUpbitComposite,
			Code:       code,
			Reading:    reading,
			UpdatedAt:  time.Now(),
			TTLSeconds: 300,
		})
	}
	if len(recs) > 0 {
		applied := l.store.UpsertMany(recs)
		l.log.Debug().Int("applied", applied).Int("candidates", len(recs)).Msg("composite indices upserted")
	}

	fx, hasFX := snap.FX, snap.HasFX
	if !hasFX || !adapters.ValidateScalar(fx) {
		fx, hasFX = l.fetchFXFallback(ctx)
	}
	if hasFX && adapters.ValidateScalar(fx) {
		l.store.Upsert(model.CachedRecord{
			Kind:       model.KindFxRate,
			Code:       model.CodeUSDKRW,
			Reading:    fx,
			UpdatedAt:  time.Now(),
			TTLSeconds: 300,
		})
	}
}

func (l *LoopA) fetchFXFallback(ctx context.Context) (model.Reading, bool) {
	if l.fxFallback == nil {
		return model.Reading{}, false
	}

	var result adapters.FXSnapshot
	err := timeCall(l.metrics, "fx_fallback", func() error {
		var fetchErr error
		result, fetchErr = l.fxFallback.Fetch(ctx)
		return fetchErr
	})
	if err != nil {
		if !errors.Is(err, adapters.ErrUnavailable) {
			l.log.Warn().Err(err).Msg("fx fallback failed")
		}
		return model.Reading{}, false
	}
	if result.Stale {
		// A stale-flagged result counts as "no new write" per the
		// no-clobber invariant, but is still visible in logs/metrics.
		l.log.Info().Msg("fx fallback served stale last-known reading")
		return model.Reading{}, false
	}
	return result.Reading, true
}
