// Package stream implements the Stream Server module: the websocket
// transport that accepts client connections, speaks the application-level
// keepalive and control-message protocol, and forwards registration/
// eviction events to the Dispatcher.
package stream

import (
	"time"

	"github.com/woosul/marketfabric/internal/model"
)

// wireEnvelope is the exact §6 server→client JSON shape.
type wireEnvelope struct {
	Type           string          `json:"type"`
	Timestamp      string          `json:"timestamp"`
	UpdateDuration float64         `json:"update_duration,omitempty"`
	Data           wireEnvelopeData `json:"data"`
}

type wireEnvelopeData struct {
	Upbit    map[string]model.ScalarSnapshot `json:"upbit"`
	USDKRW   model.ScalarSnapshot            `json:"usd_krw"`
	Global   model.GlobalSnapshot            `json:"global"`
	TopCoins []model.CoinRow                 `json:"top_coins"`
}

// indicesUpdatedType is the only server→client message type this
// service emits; the registration/control protocol is client→server only.
const indicesUpdatedType = "indices_updated"

// encodeSnapshot wraps a MarketSnapshot in the wire envelope, formatting
// the timestamp as local wall time per §6.
func encodeSnapshot(snap model.MarketSnapshot) wireEnvelope {
	return wireEnvelope{
		Type:           indicesUpdatedType,
		Timestamp:      snap.GeneratedAt.Local().Format(time.RFC3339),
		UpdateDuration: snap.UpdateDuration,
		Data: wireEnvelopeData{
			Upbit:    snap.Upbit,
			USDKRW:   snap.USDKRW,
			Global:   snap.Global,
			TopCoins: snap.TopCoins,
		},
	}
}

// clientInfoMessage is the client→server registration control message.
type clientInfoMessage struct {
	Type              string `json:"type"`
	Page              string `json:"page"`
	Timestamp         string `json:"timestamp,omitempty"`
	RequestedInterval int    `json:"requested_interval,omitempty"`
}

const (
	controlPing       = "ping"
	controlPong       = "pong"
	controlGetLatest  = "get_latest"
	clientInfoMsgType = "client_info"
)
