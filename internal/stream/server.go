package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/model"
)

// LoopHealth reports a Collector Loop's most recent tick time, so the
// ambient /healthz handler can flag a loop that has gone quiet well
// past its expected interval without reaching into loop internals.
type LoopHealth interface {
	LastTick() time.Time
}

// Server is the Stream Server module: it upgrades incoming HTTP
// connections to websockets, drives one session per connection, and
// exposes the ambient local-only /healthz and /metrics HTTP surface
// alongside the streaming endpoint.
type Server struct {
	registrar registrar
	cfg       config.StreamConfig
	log       zerolog.Logger

	upgrader websocket.Upgrader

	loops          map[string]LoopHealth
	healthInterval time.Duration

	metricsHandler http.Handler

	mu       sync.Mutex
	sessions map[string]*session

	httpSrv *http.Server
}

// Option configures optional Server behavior at construction time.
type Option func(*Server)

// WithLoopHealth registers a named Collector Loop for the /healthz
// liveness check.
func WithLoopHealth(name string, loop LoopHealth) Option {
	return func(s *Server) {
		s.loops[name] = loop
	}
}

// WithHealthInterval sets the expected collector-loop tick interval
// /healthz compares elapsed time against (flagged stale past 2x this
// value). Defaults to 30s, the slowest default background cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Server) {
		s.healthInterval = d
	}
}

// WithMetricsHandler installs the Prometheus exposition handler
// (normally promhttp.HandlerFor wrapping a metrics.Registry's
// registerer) under /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// New builds a Server. reg is the Dispatcher (or a fake satisfying the
// same interface in tests).
func New(reg registrar, cfg config.StreamConfig, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		registrar: reg,
		cfg:       cfg,
		log:       log.With().Str("component", "stream_server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		loops:          make(map[string]LoopHealth),
		healthInterval: 30 * time.Second,
		metricsHandler: promhttp.Handler(),
		sessions:       make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebsocket)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	return r
}

// Run starts listening and blocks until ctx is canceled, at which
// point it stops accepting new connections, asks every live session to
// close gracefully, waits up to the configured shutdown grace period,
// then force-closes anything left.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("stream server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() {
	grace := keepaliveConfig{ShutdownGraceSecs: s.cfg.ShutdownGraceSecs}.closeTimeout()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.closeGracefully()
		}(sess)
	}
	wg.Wait()
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	remote := remoteAddr(r)
	keepalive := keepaliveConfig{
		PingIntervalSecs:  s.cfg.PingIntervalSecs,
		PongTimeoutSecs:   s.cfg.PongTimeoutSecs,
		ShutdownGraceSecs: s.cfg.ShutdownGraceSecs,
	}
	sess := newSession(conn, remote, s.registrar, keepalive, s.log)

	key := fmt.Sprintf("%s-%p", remote, conn)
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}()

	sess.run(r.Context(), model.PageUnknown)
}

type healthzResponse struct {
	Status string            `json:"status"`
	Loops  map[string]string `json:"loops"`
}

// handleHealthz reports process liveness and flags any loop that has
// not ticked within 2x its expected interval; it never touches the
// Cache Store write path.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Status: "ok", Loops: make(map[string]string)}

	now := time.Now()
	for name, loop := range s.loops {
		last := loop.LastTick()
		if last.IsZero() {
			resp.Loops[name] = "pending"
			continue
		}
		age := now.Sub(last)
		if age > 2*s.healthInterval {
			resp.Status = "degraded"
			resp.Loops[name] = fmt.Sprintf("stale (%.0fs since last tick)", age.Seconds())
			continue
		}
		resp.Loops[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
