// Package server exposes the daemon's loopback HTTP control plane:
// chat, approvals, audit, session inspection, the WebSocket event feed,
// and operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rovot/rovot/internal/agent"
	"github.com/rovot/rovot/internal/approvals"
	"github.com/rovot/rovot/internal/audit"
	"github.com/rovot/rovot/internal/config"
	"github.com/rovot/rovot/internal/events"
	"github.com/rovot/rovot/internal/observability"
	"github.com/rovot/rovot/internal/policy"
	"github.com/rovot/rovot/internal/secrets"
	"github.com/rovot/rovot/internal/sessions"
)

// Config wires the control plane's collaborators.
type Config struct {
	Settings  *config.Settings
	Secrets   *secrets.Store
	Executor  *agent.Executor
	Registry  *agent.Registry
	Provider  agent.Provider
	Sessions  *sessions.Store
	Locker    *sessions.Locker
	Approvals *approvals.Store
	Policy    *policy.Engine
	Hub       *events.Hub
	Audit     *audit.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Version   string
	Logger    *slog.Logger
}

// Server is the loopback control plane.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
}

// New validates the config and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("secrets store is required")
	}
	if cfg.Sessions == nil || cfg.Locker == nil {
		return nil, fmt.Errorf("session store and locker are required")
	}
	if cfg.Approvals == nil || cfg.Policy == nil {
		return nil, fmt.Errorf("approval store and policy engine are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "server")}, nil
}

// Handler builds the route table. Exposed separately so tests can drive
// the server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", s.authenticate(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	mux.Handle("POST /chat", s.authenticate(http.HandlerFunc(s.handleChat)))
	mux.Handle("POST /chat/continue", s.authenticate(http.HandlerFunc(s.handleChatContinue)))
	mux.Handle("GET /approvals/pending", s.authenticate(http.HandlerFunc(s.handleApprovalsPending)))
	mux.Handle("POST /approvals/{id}/resolve", s.authenticate(http.HandlerFunc(s.handleApprovalResolve)))
	mux.Handle("GET /audit/recent", s.authenticate(http.HandlerFunc(s.handleAuditRecent)))
	mux.Handle("GET /models", s.authenticate(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /tools", s.authenticate(http.HandlerFunc(s.handleTools)))
	mux.Handle("GET /sessions", s.authenticate(http.HandlerFunc(s.handleSessions)))
	mux.Handle("GET /sessions/{id}", s.authenticate(http.HandlerFunc(s.handleSession)))
	mux.Handle("GET /ws", s.authenticate(http.HandlerFunc(s.handleWS)))

	return s.logRequests(mux)
}

// Start binds the listener and serves until Shutdown. The bind address
// defaults to loopback; exposing the daemon beyond the host is a
// deliberate configuration choice, not an accident.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Settings.Host, s.cfg.Settings.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("control plane listening", "addr", addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
