package collector

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/woosul/marketfabric/internal/metrics"
)

type fakeLoopSettings struct {
	general time.Duration
}

func (f *fakeLoopSettings) GeneralUpdateInterval() time.Duration        { return f.general }
func (f *fakeLoopSettings) DashboardRefreshInterval() time.Duration     { return 0 }
func (f *fakeLoopSettings) WebsocketEnabled() bool                      { return true }
func (f *fakeLoopSettings) SetGeneralUpdateInterval(d time.Duration)    { f.general = d }
func (f *fakeLoopSettings) SetDashboardRefreshInterval(time.Duration)   {}
func (f *fakeLoopSettings) SetWebsocketEnabled(bool)                    {}

func TestResolveInterval_DashboardActiveUsesFast(t *testing.T) {
	settings := &fakeLoopSettings{general: 20 * time.Second}
	got := resolveInterval(true, 5*time.Second, settings)
	assert.Equal(t, 5*time.Second, got)
}

func TestResolveInterval_DashboardActiveFlooredAtMinDispatch(t *testing.T) {
	settings := &fakeLoopSettings{general: 20 * time.Second}
	got := resolveInterval(true, 200*time.Millisecond, settings)
	assert.Equal(t, MinDispatchSec, got)
}

func TestResolveInterval_DashboardInactiveUsesSettings(t *testing.T) {
	settings := &fakeLoopSettings{general: 20 * time.Second}
	got := resolveInterval(false, 5*time.Second, settings)
	assert.Equal(t, 20*time.Second, got)
}

func TestResolveInterval_DashboardInactiveFlooredAtMinDispatch(t *testing.T) {
	settings := &fakeLoopSettings{general: 100 * time.Millisecond}
	got := resolveInterval(false, 5*time.Second, settings)
	assert.Equal(t, MinDispatchSec, got)
}

func TestTickClock_LastTickZeroBeforeMark(t *testing.T) {
	var c tickClock
	assert.True(t, c.LastTick().IsZero())
}

func TestTickClock_MarkRecordsNow(t *testing.T) {
	var c tickClock
	before := time.Now()
	c.mark()
	after := time.Now()

	got := c.LastTick()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestSleepInSlices_ReturnsEarlyOnIntervalChange(t *testing.T) {
	calls := 0
	recompute := func() time.Duration {
		calls++
		if calls >= 1 {
			return 999 * time.Hour // any value != the original d triggers early return
		}
		return 10 * time.Second
	}

	start := time.Now()
	sleepInSlices(context.Background(), 10*time.Second, recompute)
	assert.Less(t, time.Since(start), DispatchTickSec+time.Second)
}

func TestSleepInSlices_ReturnsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sleepInSlices(ctx, 10*time.Second, func() time.Duration { return 10 * time.Second })
	assert.Less(t, time.Since(start), time.Second)
}

func TestPrometheusMetrics_WiresIntoRegistry(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	m := PrometheusMetrics(reg)

	err := timeCall(m, "composite", func() error { return nil })
	assert.NoError(t, err)

	m.onInterval("collector_a", 5*time.Second)
}

func TestTimeCall_RecordsFailure(t *testing.T) {
	var attempts, successes, failures int
	m := loopMetrics{
		onAttempt:  func(string) { attempts++ },
		onSuccess:  func(string, time.Duration) { successes++ },
		onFailure:  func(string, time.Duration) { failures++ },
		onInterval: func(string, time.Duration) {},
	}

	err := timeCall(m, "composite", func() error { return assert.AnError })
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
}
