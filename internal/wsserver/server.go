// Package wsserver implements the HTTP façade that accepts the
// WebSocket upgrade for both workstation and mobile-client
// connections, and exposes the health and readiness surface. A
// functional-options net/http.Server wrapper; authentication happens
// inside the WebSocket handshake itself (internal/session.Accept),
// not at the HTTP layer, so there is no auth middleware here to guard
// the upgrade path.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/relaymesh/tunneld/internal/ids"
	"github.com/relaymesh/tunneld/internal/metrics"
	"github.com/relaymesh/tunneld/internal/protocol"
	"github.com/relaymesh/tunneld/internal/registry"
	"github.com/relaymesh/tunneld/internal/router"
	"github.com/relaymesh/tunneld/internal/session"
)

// Option configures a Server.
type Option func(*Server)

// Server is the WebSocket + health/metrics HTTP façade. It implements
// transport.Listener.
type Server struct {
	inner    *http.Server
	address  string
	listener net.Listener
	wsPath   string
	upgrader websocket.Upgrader

	allowedOrigins []string
	log            *slog.Logger
	version        string
	startedAt      time.Time

	codec                protocol.Codec
	sessionTiming        session.Timing
	registrationKey      ids.AuthKey
	shutdownDrainTimeout time.Duration

	workstations *registry.WorkstationRegistry
	clients      *registry.ClientRegistry
	router       *router.Router
	metrics      *metrics.Metrics

	ready atomic.Bool
}

// WithAddress configures the listen address (e.g. ":8080").
func WithAddress(address string) Option {
	return func(s *Server) { s.address = address }
}

// WithListener provides an external net.Listener, used by tests to
// bind an ephemeral port.
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// WithWSPath configures the upgrade path ("/tunnel" when not set;
// cmd/tunneld passes the configured WS_PATH, default "/ws").
func WithWSPath(path string) Option {
	return func(s *Server) { s.wsPath = path }
}

// WithAllowedOrigins restricts the WebSocket upgrade's and the health
// endpoints' CORS origins. Empty allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithCodec sets the frame codec (size ceiling) used on every
// upgraded connection.
func WithCodec(c protocol.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithSessionTiming sets the per-session timing knobs.
func WithSessionTiming(t session.Timing) Option {
	return func(s *Server) { s.sessionTiming = t }
}

// WithRegistrationKey sets the shared workstation registration key.
func WithRegistrationKey(k ids.AuthKey) Option {
	return func(s *Server) { s.registrationKey = k }
}

// WithShutdownDrainTimeout bounds how long Stop waits for live
// sessions to drain after broadcasting server_shutdown.
func WithShutdownDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownDrainTimeout = d }
}

// WithRegistries wires the shared workstation/client registries.
func WithRegistries(workstations *registry.WorkstationRegistry, clients *registry.ClientRegistry) Option {
	return func(s *Server) { s.workstations, s.clients = workstations, clients }
}

// WithRouter wires the frame router.
func WithRouter(r *router.Router) Option {
	return func(s *Server) { s.router = r }
}

// WithMetrics wires the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a Server from the given options.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		address:              ":8080",
		wsPath:               "/tunnel",
		codec:                protocol.Codec{},
		sessionTiming:        session.DefaultTiming(),
		shutdownDrainTimeout: 10 * time.Second,
		startedAt:            time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "wsserver")
	}
	if s.workstations == nil || s.clients == nil || s.router == nil {
		return nil, fmt.Errorf("wsserver: registries and router must be configured")
	}

	s.upgrader.CheckOrigin = s.checkOrigin

	if s.listener == nil {
		ln, err := net.Listen("tcp", s.address)
		if err != nil {
			return nil, fmt.Errorf("wsserver listen %q: %w", s.address, err)
		}
		s.listener = ln
	}

	s.inner = &http.Server{
		Addr:              s.address,
		Handler:           s.wrapCORS(s.buildMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc(s.wsPath, s.handleUpgrade)
	return mux
}

func (s *Server) wrapCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return cors.AllowAll().Handler(next)
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(next)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.allowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

// Start begins accepting connections and blocks until the server is
// shut down. It implements transport.Listener.
func (s *Server) Start(ctx context.Context) error {
	s.inner.BaseContext = func(net.Listener) context.Context { return ctx }
	s.ready.Store(true)

	s.log.Info("starting", "address", s.listener.Addr().String(), "ws_path", s.wsPath)

	if err := s.inner.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("wsserver serve: %w", err)
	}
	return nil
}

// Stop marks the server not-ready, broadcasts a server_shutdown close
// to every live session, waits (bounded) for both registries to
// drain, then closes the listener. Upgraded connections are
// hijacked, so http.Server.Shutdown alone would never observe them;
// the explicit broadcast-and-wait here is what actually drains them.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	s.log.Info("shutting down, draining live sessions")

	for _, h := range s.workstations.Snapshot() {
		h.RequestClose(protocol.ErrorCodeServerShutdown)
	}
	for _, h := range s.clients.Snapshot() {
		h.RequestClose(protocol.ErrorCodeServerShutdown)
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.shutdownDrainTimeout)
	defer cancel()
	s.waitForDrain(drainCtx)

	if err := s.inner.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed, forcing close", "error", err)
		return s.inner.Close()
	}
	return nil
}

func (s *Server) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.workstations.Len() == 0 && s.clients.Len() == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.log.Warn("shutdown drain timed out", "workstations", s.workstations.Len(), "clients", s.clients.Len())
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type connectionsView struct {
	Workstations int `json:"workstations"`
	Clients      int `json:"clients"`
}

type healthView struct {
	Status                   string          `json:"status"`
	Version                  string          `json:"version"`
	UptimeSeconds            float64         `json:"uptime_seconds"`
	Connections              connectionsView `json:"connections"`
	RouterDroppedFramesTotal uint64          `json:"router_dropped_frames_total"`
	SessionsEvictedTotal     uint64          `json:"sessions_evicted_total"`
	Timestamp                string          `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := healthView{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Connections: connectionsView{
			Workstations: s.workstations.Len(),
			Clients:      s.clients.Len(),
		},
		RouterDroppedFramesTotal: s.metrics.DroppedFrames(),
		SessionsEvictedTotal:     s.metrics.SessionsEvicted(),
		Timestamp:                time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	stream := newWSStream(conn, s.codec)
	deps := session.Deps{
		Codec:           s.codec,
		Timing:          s.sessionTiming,
		Log:             s.log,
		RegistrationKey: s.registrationKey,
		Workstations:    s.workstations,
		Clients:         s.clients,
		Router:          s.router,
		Metrics:         s.metrics,
	}

	// A session's own lifetime is governed by its control channel
	// (RequestClose from the liveness supervisor, a closing
	// workstation's peer_gone cascade, or this server's shutdown
	// broadcast), not by the
	// incoming request's context — r.Context() would be cancelled the
	// instant shutdown begins, racing the graceful drain below.
	session.Accept(context.Background(), stream, deps)
}
