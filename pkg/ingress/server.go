// Package ingress serves the gateway's client-facing HTTP surface: SSE
// event streams and session message posts for sse proxies, inline
// JSON-RPC calls for streamable-http proxies, and the Prometheus
// metrics endpoint.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcphub/pkg/heartbeat"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/proxy"
	"github.com/stacklok/mcphub/pkg/registry"
	"github.com/stacklok/mcphub/pkg/session"
)

// inlineTimeout bounds a single streamable-http call; streaming tools
// may take long.
const inlineTimeout = 300 * time.Second

// Proxies is the slice of the proxy engine the ingress server needs.
// *proxy.Manager satisfies it.
type Proxies interface {
	Snapshot(name string) (proxy.Snapshot, error)
	HandleMessage(ctx context.Context, name string, raw json.RawMessage) (json.RawMessage, error)
}

// Backends reports backend state for session health probes.
// *registry.Registry satisfies it.
type Backends interface {
	Snapshot(name string) (registry.Snapshot, error)
}

// Observer receives per-request telemetry. *telemetry.Metrics
// satisfies it.
type Observer interface {
	RecordRequest(proxy, method, outcome string, elapsed time.Duration)
}

// Config wires the ingress server to the rest of the gateway.
type Config struct {
	Host string
	Port int

	Proxies  Proxies
	Backends Backends

	// Limiter is the shared admission limiter. Nil admits everything.
	Limiter *session.Limiter

	// Heartbeat, when set, gets every new session to watch.
	Heartbeat *heartbeat.Controller

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	// Observer, when set, is told about every proxied request.
	Observer Observer

	// Session overrides the per-proxy session manager timing. Proxy,
	// MessagePath, Limiter and Healthy are filled in by the server.
	Session session.Config
}

// Server is the gateway's HTTP front door.
type Server struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session.Manager
	stopped  bool

	server   *http.Server
	listener net.Listener

	stopOnce   sync.Once
	shutdownCh chan struct{}

	// dispatches tracks in-flight session message dispatches.
	dispatches sync.WaitGroup
}

// NewServer creates the ingress server. Call Start to begin serving.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   make(map[string]*session.Manager),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds the listen address and begins serving in the background.
// A bind failure is returned to the caller; the gateway treats it as
// fatal misconfiguration.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}
	s.server.Addr = listener.Addr().String()

	go func() {
		logger.Infof("Gateway listening on %s", s.server.Addr)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Stop closes every session so stream handlers unwind, waits for
// in-flight dispatches, then shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.shutdownCh) })

	s.mu.Lock()
	s.stopped = true
	managers := make([]*session.Manager, 0, len(s.sessions))
	for _, m := range s.sessions {
		managers = append(managers, m)
	}
	s.mu.Unlock()
	for _, m := range managers {
		m.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.dispatches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("Session dispatches still in flight at shutdown")
	}

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		requestLogger,
	)

	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics)
		logger.Infof("Prometheus metrics endpoint enabled at /metrics")
	}

	r.Route("/{proxy}", func(r chi.Router) {
		r.Post("/messages", s.handleSessionPost)
		r.Get("/*", s.handleStream)
		r.Post("/*", s.handleInline)
	})
	return r
}

// sessionManager returns the named proxy's session manager, creating it
// on first use. Returns nil once the server is stopping.
func (s *Server) sessionManager(proxyName string) *session.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if m, ok := s.sessions[proxyName]; ok {
		return m
	}
	cfg := s.cfg.Session
	cfg.Proxy = proxyName
	cfg.MessagePath = "/" + proxyName + "/messages"
	cfg.Limiter = s.cfg.Limiter
	cfg.Healthy = s.backendHealthy(proxyName)
	m := session.NewManager(cfg)
	s.sessions[proxyName] = m
	return m
}

// backendHealthy builds the reaper's health probe: the proxy must be
// running and its backend verified.
func (s *Server) backendHealthy(proxyName string) func() bool {
	return func() bool {
		snap, err := s.cfg.Proxies.Snapshot(proxyName)
		if err != nil || !snap.Running {
			return false
		}
		backend, err := s.cfg.Backends.Snapshot(snap.BackendName)
		if err != nil {
			return false
		}
		return backend.State == registry.StateVerified
	}
}

// Sessions returns per-proxy session stats for the telemetry layer.
func (s *Server) Sessions() map[string]session.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]session.Stats, len(s.sessions))
	for name, m := range s.sessions {
		out[name] = m.Stats()
	}
	return out
}

// requestLogger logs every request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
