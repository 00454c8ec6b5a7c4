// Package server runs the management HTTP listener of long-running commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/server/router"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address, for example ":9100" or "127.0.0.1:0".
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) normalize() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
}

// Server wraps http.Server with a background serve loop and graceful shutdown.
type Server struct {
	router router.Router
	log    logger.Logger
	config Config

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for router r.
func NewServer(cfg Config, r router.Router, log logger.Logger) (*Server, error) {
	if r == nil {
		return nil, errors.New("router is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if cfg.Addr == "" {
		return nil, errors.New("listen address is required")
	}
	return &Server{router: r, log: log, config: cfg}, nil
}

// Start binds the listener and serves in the background. A bind failure is returned
// synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	httpServer := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
	s.httpServer = httpServer
	s.listener = listener

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", "address", listener.Addr().String(), "error", err)
		}
	}()
	s.log.Info("starting server", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests, at most 30s.
// A server that was never started, or was already stopped, is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer, listener := s.httpServer, s.listener
	s.httpServer, s.listener = nil, nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server shutdown complete", "address", listener.Addr().String())
	return nil
}
