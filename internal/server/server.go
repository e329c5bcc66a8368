// Package server runs the inbound HTTP port and the admin endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/sadewadee/httpbridge/internal/adapter"
	"github.com/sadewadee/httpbridge/internal/config"
	"github.com/sadewadee/httpbridge/internal/websocket"
)

// Server is the httpbridge server: the inbound port listener plus an
// optional admin HTTP server for health, metrics and the traffic tap.
type Server struct {
	cfg      *config.Config
	runtime  Runtime
	tap      *websocket.Manager
	logger   *slog.Logger
	metrics  *Metrics
	listener *Listener
	admin    *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New creates a new server. tap may be nil when the traffic tap is disabled.
func New(cfg *config.Config, factory *adapter.Factory, rt Runtime, tap *websocket.Manager, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		runtime: rt,
		tap:     tap,
		logger:  logger,
	}

	s.metrics = NewMetrics(rt, tap)
	s.listener = NewListener(factory, rt, ListenerConfig{
		ReadTimeout:    cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:   cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:    cfg.Server.IdleTimeout.Duration(),
		MaxConnections: cfg.Server.MaxConnections,
	}, s.metrics, logger)

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: s.AdminHandler(),
		}
	}
	return s
}

// AdminHandler returns the handler serving health, metrics and tap endpoints.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	health := NewHealthHandler(s.runtime, s.listener)
	for _, path := range healthPaths {
		mux.Handle(path, health)
	}
	if s.tap != nil {
		mux.Handle(s.cfg.Tap.Path, websocket.NewHandler(s.tap, s.cfg.Tap.PingInterval.Duration(), s.logger))
	}

	mws := []Middleware{RequestIDMiddleware(), RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger, s.cfg.Port.Name)}
	if s.cfg.Metrics.Enabled {
		mws = append([]Middleware{s.metrics.Middleware(s.cfg.Metrics.Path)}, mws...)
	}
	return Chain(mux, mws...)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves the inbound port on ln and starts the admin server.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("httpbridge server starting",
		"address", ln.Addr().String(),
		"port", s.cfg.Port.Name,
		"admin", s.cfg.Admin.Enabled,
	)

	if s.admin != nil {
		go func() {
			s.logger.Info("admin server starting", "address", s.admin.Addr)
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("admin server failed", "error", err)
			}
		}()
	}

	err := s.listener.Serve(ln)
	if errors.Is(err, ErrListenerClosed) {
		return nil
	}
	return err
}

// Addr returns the address of the inbound port once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SetFactory swaps the exchange factory, e.g. after a configuration reload.
func (s *Server) SetFactory(f *adapter.Factory) {
	s.listener.SetFactory(f)
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stop gracefully shuts down the listener and the admin server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("httpbridge server shutting down")
	var errs []error
	if err := s.listener.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("listener: %w", err))
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}
	return errors.Join(errs...)
}
