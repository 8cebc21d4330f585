package stream

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeepaliveConfig_DefaultsWhenZeroValued(t *testing.T) {
	var k keepaliveConfig
	assert.Equal(t, defaultPingInterval, k.pingInterval())
	assert.Equal(t, defaultPongTimeout, k.pongTimeout())
	assert.Equal(t, defaultCloseTimeout, k.closeTimeout())
}

func TestKeepaliveConfig_HonorsConfiguredValues(t *testing.T) {
	k := keepaliveConfig{PingIntervalSecs: 5, PongTimeoutSecs: 2, ShutdownGraceSecs: 3}
	assert.Equal(t, 5*time.Second, k.pingInterval())
	assert.Equal(t, 2*time.Second, k.pongTimeout())
	assert.Equal(t, 3*time.Second, k.closeTimeout())
}

func TestRemoteAddr_SplitsHostPort(t *testing.T) {
	req := &http.Request{RemoteAddr: "1.2.3.4:5678"}
	assert.Equal(t, "1.2.3.4", remoteAddr(req))
}

func TestRemoteAddr_FallsBackToRawWhenUnsplittable(t *testing.T) {
	req := &http.Request{RemoteAddr: "not-a-host-port"}
	assert.Equal(t, "not-a-host-port", remoteAddr(req))
}
