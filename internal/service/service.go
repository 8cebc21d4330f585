// Package service wires the core modules — Cache Store, Source
// Adapters, Collector Loops, Dispatcher, Stream Server — into one
// explicitly constructed aggregate, replacing the process-wide
// singletons and late-bound imports Design Notes §9 calls out: no
// hidden globals, one Service value owns everything.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/adapters"
	"github.com/woosul/marketfabric/internal/cache"
	"github.com/woosul/marketfabric/internal/collector"
	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/dispatcher"
	"github.com/woosul/marketfabric/internal/httpguard"
	"github.com/woosul/marketfabric/internal/metrics"
	"github.com/woosul/marketfabric/internal/stream"
)

// Service is the top-level aggregate: everything a running process
// needs, constructed once at startup and run until ctx is canceled.
type Service struct {
	store      *cache.Store
	loopA      *collector.LoopA
	loopB      *collector.LoopB
	dispatcher *dispatcher.Dispatcher
	stream     *stream.Server
	settings   config.Settings
	log        zerolog.Logger
}

// New builds a fully wired Service from static file config, live
// settings, and an optional providers config (nil disables the
// per-provider circuit-breaker/rate-limiter transport tier entirely).
func New(fileCfg *config.FileConfig, providersCfg *config.ProvidersConfig, settings config.Settings, log zerolog.Logger) (*Service, error) {
	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	store, err := buildStore(fileCfg.Cache, metricsReg)
	if err != nil {
		return nil, fmt.Errorf("build cache store: %w", err)
	}

	guard := httpguard.NewRegistry(providersCfg)

	adapterSet, err := buildAdapters(fileCfg.Adapters, guard, log)
	if err != nil {
		return nil, fmt.Errorf("build adapters: %w", err)
	}

	disp := dispatcher.New(store, settings, dispatcher.NewCadenceTable(settings.DashboardRefreshInterval()), dispatchTimeout(fileCfg), log)
	disp.WithMetrics(metrics.NewDispatchSink(metricsReg))

	dashboardActive := disp.DashboardActiveFunc(context.Background())

	loopA := collector.NewLoopA(store, adapterSet.composite, adapterSet.fxFallback, settings, dashboardActive, 5*time.Second, log).
		WithMetrics(collector.PrometheusMetrics(metricsReg))
	loopB := collector.NewLoopB(store, adapterSet.global, adapterSet.topCoinsPrimary, adapterSet.topCoinsFallback, settings, dashboardActive, 6*time.Second, log).
		WithMetrics(collector.PrometheusMetrics(metricsReg))

	streamSrv := stream.New(disp, fileCfg.Stream, log,
		stream.WithLoopHealth("collector_a", loopA),
		stream.WithLoopHealth("collector_b", loopB),
		stream.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		stream.WithHealthInterval(settings.GeneralUpdateInterval()),
	)

	return &Service{
		store:      store,
		loopA:      loopA,
		loopB:      loopB,
		dispatcher: disp,
		stream:     streamSrv,
		settings:   settings,
		log:        log.With().Str("component", "service").Logger(),
	}, nil
}

// Run starts every independent concurrent unit — both Collector Loops,
// the Dispatcher, and the Stream Server's acceptor — and blocks until
// ctx is canceled, at which point it waits for each to unwind before
// returning.
func (s *Service) Run(ctx context.Context) error {
	defer s.store.Stop()

	errCh := make(chan error, 1)
	done := make(chan struct{})

	go func() { s.loopA.Run(ctx) }()
	go func() { s.loopB.Run(ctx) }()
	go func() { s.dispatcher.Run(ctx) }()
	go func() {
		if err := s.stream.Run(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errCh:
		return err
	}
}

// Store exposes the Cache Store for the `status` CLI subcommand's
// point-in-time dump.
func (s *Service) Store() *cache.Store { return s.store }

// dispatchTimeout is the resolved Open Question's per-client send
// timeout: configurable via Dispatcher.send_timeout_secs, defaulting
// to 3s per §4.4 when unset or non-positive.
func dispatchTimeout(cfg *config.FileConfig) time.Duration {
	if cfg != nil && cfg.Dispatcher.SendTimeoutSecs > 0 {
		return time.Duration(cfg.Dispatcher.SendTimeoutSecs) * time.Second
	}
	return 3 * time.Second
}

func buildStore(cfg config.CacheConfig, metricsReg *metrics.Registry) (*cache.Store, error) {
	var mirror cache.Mirror
	if m := cache.NewAutoMirror(cfg.RedisAddr); m != nil {
		mirror = m
	}

	var notify cache.Notifier
	if n := cache.NewAutoNotifier(cfg.RedisAddr); n != nil {
		notify = n
	}

	var audit cache.Auditor
	a, err := cache.NewAutoAuditSink(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}
	if a != nil {
		audit = a
	}

	store := cache.NewStore(cfg.MaxEntries, mirror, notify, audit)
	store.SetMetrics(metrics.NewCacheSink(metricsReg))
	return store, nil
}

type adapterSet struct {
	composite        *adapters.CompositeAdapter
	global           *adapters.GlobalAdapter
	topCoinsPrimary  *adapters.TopCoinsPrimaryAdapter
	topCoinsFallback *adapters.TopCoinsFallbackAdapter
	fxFallback       *adapters.FXFallbackAdapter
}

// buildAdapters constructs every Source Adapter from the adapters
// config block, threading each one's http.Client through the
// per-provider httpguard transport when a provider of the same name is
// configured (an unconfigured provider degrades to an unguarded
// passthrough transport, so adapters work with providers.yaml absent).
func buildAdapters(cfg map[string]config.AdapterConfig, guard *httpguard.Registry, log zerolog.Logger) (*adapterSet, error) {
	composite := cfg["composite"]
	global := cfg["global"]
	topPrimary := cfg["topcoins_primary"]
	topFallback := cfg["topcoins_fallback"]
	fxFallback := cfg["fx_fallback"]

	altURL := composite.AltURL
	if altURL == "" {
		altURL = composite.BaseURL
	}
	compositeAdapter := adapters.NewCompositeAdapter(nil, composite.BaseURL, altURL, composite.GetRequestTimeout(), log)
	guardTransport(compositeAdapter, guard, "composite")

	globalAdapter := adapters.NewGlobalAdapter(global.BaseURL, global.GetRequestTimeout(), log)
	guardTransport(globalAdapter, guard, "global")

	topCoinsSymbols := []string{"BTC", "ETH", "XRP", "SOL", "ADA", "DOGE", "AVAX", "DOT", "MATIC", "LINK"}
	tickerURLFn := func(symbol string) string {
		return fmt.Sprintf("%s/ticker?symbol=%s", topPrimary.BaseURL, symbol)
	}
	topCoinsPrimaryAdapter := adapters.NewTopCoinsPrimaryAdapter(topCoinsSymbols, tickerURLFn, topPrimary.GetRequestTimeout(), log)
	guardTransport(topCoinsPrimaryAdapter, guard, "topcoins_primary")

	topCoinsFallbackAdapter := adapters.NewTopCoinsFallbackAdapter(topFallback.BaseURL, 20, topFallback.GetRequestTimeout(), log)
	guardTransport(topCoinsFallbackAdapter, guard, "topcoins_fallback")

	dailyURL := fxFallback.DailyURL
	if dailyURL == "" {
		dailyURL = fxFallback.BaseURL
	}
	fxFallbackAdapter := adapters.NewFXFallbackAdapter(fxFallback.BaseURL, fxFallback.APIKey, dailyURL, fxFallback.GetRequestTimeout(), log)
	guardTransport(fxFallbackAdapter, guard, "fx_fallback")

	return &adapterSet{
		composite:        compositeAdapter,
		global:           globalAdapter,
		topCoinsPrimary:  topCoinsPrimaryAdapter,
		topCoinsFallback: topCoinsFallbackAdapter,
		fxFallback:       fxFallbackAdapter,
	}, nil
}

// transportSetter is implemented by every adapter that exposes its
// underlying *http.Client for httpguard wiring.
type transportSetter interface {
	SetTransport(rt http.RoundTripper)
}

func guardTransport(a interface{}, guard *httpguard.Registry, provider string) {
	if setter, ok := a.(transportSetter); ok {
		setter.SetTransport(guard.Transport(provider, nil))
	}
}
