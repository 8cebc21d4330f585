package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/woosul/marketfabric/internal/model"
)

func TestNewAutoMirror_EmptyAddrDisables(t *testing.T) {
	assert.Nil(t, NewAutoMirror(""))
}

// unreachableAddr points at a port nothing listens on; connections fail
// fast with "connection refused" rather than hanging, which keeps these
// tests deterministic without a real Redis instance.
const unreachableAddr = "127.0.0.1:1"

func TestRedisMirror_Get_ReturnsNotFoundWhenRedisUnreachable(t *testing.T) {
	m := NewRedisMirror(unreachableAddr)

	_, found, err := m.Get("some-key")
	assert.False(t, found)
	assert.NoError(t, err, "a Get failure degrades to not-found, never an error, since callers already have an in-memory fallback")
}

func TestRedisMirror_Set_ReturnsErrorWhenRedisUnreachable(t *testing.T) {
	m := NewRedisMirror(unreachableAddr)

	err := m.Set("some-key", model.CachedRecord{Kind: model.KindUpbitComposite, Code: model.CodeUBCI})
	assert.Error(t, err)
}

func TestRedisMirror_Breaker_TripsOpenAfterRepeatedFailures(t *testing.T) {
	m := NewRedisMirror(unreachableAddr)

	for i := 0; i < 10; i++ {
		_ = m.Set("some-key", model.CachedRecord{Kind: model.KindUpbitComposite, Code: model.CodeUBCI})
	}

	stats := m.Stats()
	assert.Equal(t, "open", stats.State.String())
}

func TestRedisMirror_Get_SkipsNetworkWhenBreakerOpen(t *testing.T) {
	m := NewRedisMirror(unreachableAddr)

	for i := 0; i < 10; i++ {
		_ = m.Set("some-key", model.CachedRecord{Kind: model.KindUpbitComposite, Code: model.CodeUBCI})
	}
	openState := m.Stats().State.String()
	assert.Equal(t, "open", openState)

	start := time.Now()
	_, found, err := m.Get("some-key")
	elapsed := time.Since(start)

	assert.False(t, found)
	assert.NoError(t, err)
	assert.Less(t, elapsed, 100*time.Millisecond, "an open breaker must reject immediately without a network round trip")
}
