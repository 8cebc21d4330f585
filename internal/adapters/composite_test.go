package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woosul/marketfabric/internal/model"
)

type fakeBrowser struct {
	text string
	err  error
}

func (f *fakeBrowser) EvaluateVisibleText(ctx context.Context, url string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

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

func TestCompositeAdapter_StructuredSelectorStrategySucceeds(t *testing.T) {
	browser := &fakeBrowser{text: sampleIndexPage}
	a := NewCompositeAdapter(browser, "https://primary.example.com", "https://alt.example.com", time.Second, zerolog.Nop())

	snap, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, snap.HasFX)
	assert.InDelta(t, 1352.40, snap.FX.Value.InexactFloat64(), 0.001)
	assert.InDelta(t, 152345.67, snap.Indices[model.CodeUBCI].Value.InexactFloat64(), 0.001)
}

func TestCompositeAdapter_FallsThroughToTextLineHeuristicWhenNoBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleIndexPage))
	}))
	defer srv.Close()

	a := NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())

	snap, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Valid())
	assert.InDelta(t, 98765.43, snap.Indices[model.CodeUBMI].Value.InexactFloat64(), 0.001)
}

func TestCompositeAdapter_FallsThroughToAggregateRegexSweepWhenTextHasNoAnchors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>random 99,999.99 and 12,345.67 and 1,000.00 and 500.25 values</html>"))
	}))
	defer srv.Close()

	a := NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())

	snap, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Valid())
	assert.InDelta(t, 99999.99, snap.Indices[model.CodeUBCI].Value.InexactFloat64(), 0.001)
	assert.False(t, snap.HasFX, "the regex sweep stage cannot extract FX")
}

func TestCompositeAdapter_AllStrategiesFailReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())

	_, err := a.Fetch(context.Background())
	assert.Error(t, err)
}

func TestCompositeAdapter_RateLimitedOnSecondImmediateCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleIndexPage))
	}))
	defer srv.Close()

	a := NewCompositeAdapter(nil, srv.URL, srv.URL, time.Second, zerolog.Nop())

	_, err := a.Fetch(context.Background())
	require.NoError(t, err)

	_, err = a.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}
