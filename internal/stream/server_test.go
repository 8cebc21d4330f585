package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/dispatcher"
	"github.com/woosul/marketfabric/internal/model"
)

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []model.PageClass
	evicted      []string
	reclassified []model.PageClass
	snapshot     model.MarketSnapshot
	hasSnapshot  bool
}

func (f *fakeRegistrar) Register(remote string, sender dispatcher.Sender, page model.PageClass, requestedInterval int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, page)
	return "session-1"
}

func (f *fakeRegistrar) Evict(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, id)
}

func (f *fakeRegistrar) Reclassify(id string, page model.PageClass, requestedInterval int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclassified = append(f.reclassified, page)
}

func (f *fakeRegistrar) Snapshot() (model.MarketSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.hasSnapshot
}

type fakeLoopHealth struct {
	last time.Time
}

func (f fakeLoopHealth) LastTick() time.Time { return f.last }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestServer_Healthz_OKWithNoLoops(t *testing.T) {
	s := New(&fakeRegistrar{}, testStreamConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestServer_Healthz_DegradedWhenLoopStale(t *testing.T) {
	s := New(&fakeRegistrar{}, testStreamConfig(), zerolog.Nop(),
		WithLoopHealth("collector_a", fakeLoopHealth{last: time.Now().Add(-time.Hour)}),
		WithHealthInterval(time.Second),
	)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Loops["collector_a"], "stale")
}

func TestServer_Healthz_PendingBeforeFirstTick(t *testing.T) {
	s := New(&fakeRegistrar{}, testStreamConfig(), zerolog.Nop(),
		WithLoopHealth("collector_a", fakeLoopHealth{}),
	)
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "pending", body.Loops["collector_a"])
}

func TestServer_Websocket_RegistersAndPushesInitialSnapshot(t *testing.T) {
	reg := &fakeRegistrar{
		snapshot:    model.MarketSnapshot{Upbit: map[string]model.ScalarSnapshot{"ubci": {Value: 1500}}},
		hasSnapshot: true,
	}
	s := New(reg, testStreamConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, indicesUpdatedType, env.Type)
	assert.InDelta(t, 1500, env.Data.Upbit["ubci"].Value, 0.001)

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.registered) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServer_Websocket_ClientInfoTriggersReclassify(t *testing.T) {
	reg := &fakeRegistrar{}
	s := New(reg, testStreamConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg, _ := json.Marshal(clientInfoMessage{Type: clientInfoMsgType, Page: "dashboard", RequestedInterval: 5})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.reclassified) == 1 && reg.reclassified[0] == model.PageDashboard
	}, time.Second, 10*time.Millisecond)
}

func TestServer_Websocket_PingPong(t *testing.T) {
	reg := &fakeRegistrar{}
	s := New(reg, testStreamConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(controlPing)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, controlPong, string(data))
}

func TestServer_Websocket_GetLatestReplaysSnapshot(t *testing.T) {
	reg := &fakeRegistrar{
		snapshot:    model.MarketSnapshot{USDKRW: model.ScalarSnapshot{Value: 1350}},
		hasSnapshot: true,
	}
	s := New(reg, testStreamConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // initial push
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(controlGetLatest)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, 1350.0, env.Data.USDKRW.Value)
}

func TestServer_Shutdown_ClosesSessionsGracefully(t *testing.T) {
	reg := &fakeRegistrar{}
	s := New(reg, testStreamConfig(), zerolog.Nop())
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.sessions) == 1
	}, time.Second, 10*time.Millisecond)

	s.httpSrv = &http.Server{}
	s.shutdown()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.sessions) == 0
	}, time.Second, 10*time.Millisecond, "shutdown's closeGracefully should have let the read pump exit and deregister")
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{ShutdownGraceSecs: 1}
}
