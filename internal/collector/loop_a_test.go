package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woosul/marketfabric/internal/adapters"
	"github.com/woosul/marketfabric/internal/cache"
	"github.com/woosul/marketfabric/internal/model"
)

func alwaysInactive() bool { return false }

const sampleIndexPage = `
Upbit Market Indices
UBCI
152345.67
+1234.56
+0.82%
UBMI
98765.43
-120.10
-0.12%
USD/KRW
1352.40
+4.20
+0.31%
`

func TestLoopA_Tick_UpsertsCompositeIndicesAndFXFromPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleIndexPage))
	}))
	defer srv.Close()

	store := cache.NewStore(0, nil, nil, nil)
	composite := adapters.NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())
	loop := NewLoopA(store, composite, nil, &fakeLoopSettings{general: time.Second}, alwaysInactive, 5*time.Second, zerolog.Nop())

	loop.tick(context.Background())

	rec, ok := store.Get(model.KindUpbitComposite, model.CodeUBCI, "")
	require.True(t, ok)
	assert.InDelta(t, 152345.67, rec.Reading.Value.InexactFloat64(), 0.001)

	fxRec, ok := store.Get(model.KindFxRate, model.CodeUSDKRW, "")
	require.True(t, ok)
	assert.InDelta(t, 1352.40, fxRec.Reading.Value.InexactFloat64(), 0.001)
}

func TestLoopA_Tick_FallsBackToFXAdapterWhenCompositeHasNoFX(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>random 99,999.99 and 12,345.67 and 1,000.00 and 500.25 values</html>"))
	}))
	defer srv.Close()

	fxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rates":{"KRW":1340.25}}`))
	}))
	defer fxSrv.Close()

	store := cache.NewStore(0, nil, nil, nil)
	composite := adapters.NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())
	fxFallback := adapters.NewFXFallbackAdapter(fxSrv.URL, "", "", time.Second, zerolog.Nop())
	loop := NewLoopA(store, composite, fxFallback, &fakeLoopSettings{general: time.Second}, alwaysInactive, 5*time.Second, zerolog.Nop())

	loop.tick(context.Background())

	fxRec, ok := store.Get(model.KindFxRate, model.CodeUSDKRW, "")
	require.True(t, ok)
	assert.InDelta(t, 1340.25, fxRec.Reading.Value.InexactFloat64(), 0.001)
}

func TestLoopA_Tick_PreservesLastGoodOnAdapterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := cache.NewStore(0, nil, nil, nil)
	store.Upsert(model.CachedRecord{Kind: model.KindUpbitComposite, Code: model.CodeUBCI, Reading: model.Reading{Value: decimal.NewFromInt(100)}, UpdatedAt: time.Now(), TTLSeconds: 300})

	composite := adapters.NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())
	loop := NewLoopA(store, composite, nil, &fakeLoopSettings{general: time.Second}, alwaysInactive, 5*time.Second, zerolog.Nop())

	loop.tick(context.Background())

	rec, ok := store.Get(model.KindUpbitComposite, model.CodeUBCI, "")
	require.True(t, ok)
	assert.InDelta(t, 100, rec.Reading.Value.InexactFloat64(), 0.001, "a failed fetch must not clobber the last-good value")
}

func TestLoopA_LastTick_UpdatedAfterRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleIndexPage))
	}))
	defer srv.Close()

	store := cache.NewStore(0, nil, nil, nil)
	composite := adapters.NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())
	loop := NewLoopA(store, composite, nil, &fakeLoopSettings{general: time.Hour}, alwaysInactive, time.Hour, zerolog.Nop())

	assert.True(t, loop.LastTick().IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	require.Eventually(t, func() bool {
		return !loop.LastTick().IsZero()
	}, time.Second, 10*time.Millisecond)

	cancel()
}
