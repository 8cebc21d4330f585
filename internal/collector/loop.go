// Package collector implements the Collector Loops module: two
// independent cooperative loops that drive the Source Adapters on a
// schedule and write accepted readings into the Cache Store.
package collector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/metrics"
)

// tickClock records the wall-clock time of a loop's most recent tick,
// so the ambient /healthz surface can flag a loop that has gone quiet
// well past its expected interval without the health handler reaching
// into loop internals.
type tickClock struct {
	last atomic.Value // time.Time
}

func (c *tickClock) mark() {
	c.last.Store(time.Now())
}

// LastTick returns the zero Time if the loop has never ticked.
func (c *tickClock) LastTick() time.Time {
	v := c.last.Load()
	if v == nil {
		return time.Time{}
	}
	return v.(time.Time)
}

// DispatchTickSec is the slice size loops sleep in, so a loop can
// observe a dashboard-active transition and early-exit its sleep when
// the interval would change, per §4.3.
const DispatchTickSec = 5 * time.Second

// MinDispatchSec is the system-wide floor every loop cadence is clamped
// by in resolveInterval.
const MinDispatchSec = 1 * time.Second

// DashboardActiveFunc reports whether at least one connected client's
// page_class is Dashboard, consulted by every loop at each tick to
// select its fast/slow cadence pair.
type DashboardActiveFunc func() bool

// resolveInterval picks the fast or slow cadence for a loop based on
// dashboard-active state, floored by MinDispatchSec and the live
// Settings background value when slow.
func resolveInterval(dashboardActive bool, fast time.Duration, settings config.Settings) time.Duration {
	if dashboardActive {
		if fast < MinDispatchSec {
			return MinDispatchSec
		}
		return fast
	}
	slow := settings.GeneralUpdateInterval()
	if slow < MinDispatchSec {
		return MinDispatchSec
	}
	return slow
}

// sleepInSlices sleeps up to d, in DispatchTickSec slices, returning
// early if recompute reports a different interval than the one it was
// called with — letting the loop notice a dashboard-active transition
// mid-sleep (§8 property: "within DISPATCH_TICK_SEC the loop
// re-evaluates").
func sleepInSlices(ctx context.Context, d time.Duration, recompute func() time.Duration) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		slice := DispatchTickSec
		if remaining < slice {
			slice = remaining
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if newInterval := recompute(); newInterval != d {
			return
		}
	}
}

// loopMetrics is the shared per-loop observability surface: attempt
// and failure counters per adapter, call latency, and the current
// computed interval, per §4.3's domain-stack addition.
type loopMetrics struct {
	onAttempt  func(adapter string)
	onSuccess  func(adapter string, latency time.Duration)
	onFailure  func(adapter string, latency time.Duration)
	onInterval func(loop string, interval time.Duration)
}

func noopMetrics() loopMetrics {
	return loopMetrics{
		onAttempt:  func(string) {},
		onSuccess:  func(string, time.Duration) {},
		onFailure:  func(string, time.Duration) {},
		onInterval: func(string, time.Duration) {},
	}
}

// PrometheusMetrics adapts a metrics.Registry into the loopMetrics
// shape WithMetrics expects, so the Service aggregate can wire one
// shared Prometheus registry into both Loop A and Loop B without this
// package exporting its internal callback type.
func PrometheusMetrics(reg *metrics.Registry) loopMetrics {
	return loopMetrics{
		onAttempt: func(adapter string) {
			reg.AdapterAttempts.WithLabelValues(adapter).Inc()
		},
		onSuccess: func(adapter string, latency time.Duration) {
			reg.ObserveAdapterLatency(adapter, latency)
		},
		onFailure: func(adapter string, latency time.Duration) {
			reg.AdapterFailures.WithLabelValues(adapter).Inc()
			reg.ObserveAdapterLatency(adapter, latency)
		},
		onInterval: func(loop string, interval time.Duration) {
			reg.LoopInterval.WithLabelValues(loop).Set(interval.Seconds())
		},
	}
}

func timeCall(m loopMetrics, adapter string, fn func() error) error {
	m.onAttempt(adapter)
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if err != nil {
		m.onFailure(adapter, elapsed)
	} else {
		m.onSuccess(adapter, elapsed)
	}
	return err
}

func loopLogger(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
