package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/dispatcher"
	"github.com/woosul/marketfabric/internal/model"
)

// defaultPingInterval, defaultPongTimeout, and defaultCloseTimeout
// match §4.5's fixed keepalive defaults; Server overrides them from
// config.StreamConfig when set.
const (
	defaultPingInterval = 20 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultCloseTimeout = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// registrar is the subset of *dispatcher.Dispatcher a Session needs,
// kept as an interface so server_test.go can fake it without a real
// Dispatcher.
type registrar interface {
	Register(remote string, sender dispatcher.Sender, page model.PageClass, requestedInterval int) string
	Evict(id string)
	Reclassify(id string, page model.PageClass, requestedInterval int)
	Snapshot() (model.MarketSnapshot, bool)
}

// session is one accepted websocket connection. Each session runs its
// own read loop and ping loop as independent goroutines; writes are
// serialized through writeMu so the two loops and Dispatcher-driven
// sends never interleave frames on the same connection.
type session struct {
	id        string
	remote    string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	registrar registrar
	log       zerolog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
	closeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn, remote string, reg registrar, keepalive keepaliveConfig, log zerolog.Logger) *session {
	s := &session{
		conn:         conn,
		remote:       remote,
		registrar:    reg,
		pingInterval: keepalive.pingInterval(),
		pongTimeout:  keepalive.pongTimeout(),
		closeTimeout: keepalive.closeTimeout(),
		closed:       make(chan struct{}),
	}
	s.log = log.With().Str("component", "stream_session").Str("remote", remote).Logger()
	return s
}

// keepaliveConfig carries the §4.5 keepalive timings, defaulting any
// non-positive field so a zero-valued config.StreamConfig still works.
type keepaliveConfig struct {
	PingIntervalSecs  int
	PongTimeoutSecs   int
	ShutdownGraceSecs int
}

func (k keepaliveConfig) pingInterval() time.Duration {
	if k.PingIntervalSecs <= 0 {
		return defaultPingInterval
	}
	return time.Duration(k.PingIntervalSecs) * time.Second
}

func (k keepaliveConfig) pongTimeout() time.Duration {
	if k.PongTimeoutSecs <= 0 {
		return defaultPongTimeout
	}
	return time.Duration(k.PongTimeoutSecs) * time.Second
}

func (k keepaliveConfig) closeTimeout() time.Duration {
	if k.ShutdownGraceSecs <= 0 {
		return defaultCloseTimeout
	}
	return time.Duration(k.ShutdownGraceSecs) * time.Second
}

// Send implements dispatcher.Sender: marshal snap into the wire
// envelope and write it as a single text frame.
func (s *session) Send(ctx context.Context, snap model.MarketSnapshot) error {
	payload, err := json.Marshal(encodeSnapshot(snap))
	if err != nil {
		return err
	}
	return s.writeMessage(websocket.TextMessage, payload)
}

func (s *session) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// run drives the session until the connection closes or ctx is
// canceled: registers with the Dispatcher as Unknown, pushes the
// initial snapshot, then runs the read pump and ping loop concurrently,
// evicting on either's exit.
func (s *session) run(ctx context.Context, page model.PageClass) {
	s.id = s.registrar.Register(s.remote, s, page, 0)
	s.log = s.log.With().Str("client", s.id).Logger()
	defer s.registrar.Evict(s.id)

	if snap, ok := s.registrar.Snapshot(); ok {
		if err := s.Send(ctx, snap); err != nil {
			s.log.Warn().Err(err).Msg("initial push failed")
			return
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readPump(sessionCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.pingLoop(sessionCtx, cancel)
	}()
	wg.Wait()

	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.conn.Close()
}

func (s *session) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongTimeout))
	})
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongTimeout))

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleControlMessage(ctx, data)
	}
}

func (s *session) handleControlMessage(ctx context.Context, data []byte) {
	switch string(data) {
	case controlPing:
		if err := s.writeMessage(websocket.TextMessage, []byte(controlPong)); err != nil {
			s.log.Warn().Err(err).Msg("pong reply failed")
		}
		return
	case controlGetLatest:
		if snap, ok := s.registrar.Snapshot(); ok {
			if err := s.Send(ctx, snap); err != nil {
				s.log.Warn().Err(err).Msg("get_latest reply failed")
			}
		}
		return
	}

	var info clientInfoMessage
	if err := json.Unmarshal(data, &info); err != nil || info.Type != clientInfoMsgType {
		// Protocol violation: log and keep the connection open, per §7.
		s.log.Debug().Bytes("payload", data).Msg("unrecognized control message")
		return
	}
	s.registrar.Reclassify(s.id, model.ParsePageClass(info.Page), info.RequestedInterval)
}

func (s *session) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.pongTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// closeGracefully sends a close control frame and waits up to
// closeTimeout for the session's goroutines to exit.
func (s *session) closeGracefully() {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
	s.writeMu.Unlock()

	select {
	case <-s.closed:
	case <-time.After(s.closeTimeout):
		_ = s.conn.Close()
	}
}

func remoteAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
