// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package api provides the local HTTP API of the shaping agent. It exposes
// endpoints for attachment status, throughput, per-host rates, IP mapping
// management, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shaper-dataplane/src/agent/pkg/api/handlers"
	"github.com/shaper-dataplane/src/agent/pkg/ipmap"
	log "github.com/sirupsen/logrus"
)

// Server represents the HTTP API server that provides RESTful endpoints
// for querying attachment state and throughput and for managing IP mappings.
type Server struct {
	config      *Config
	attachments handlers.BindingLister
	throughput  handlers.ThroughputSource
	mappings    ipmap.Manager
	httpServer  *http.Server
	router      *gin.Engine
	errCh       chan error
}

// NewAPIServer creates and initializes a new API server instance.
// It sets up the Gin router, configures middleware, and registers all routes.
//
// Parameters:
//   - cfg: API server configuration (nil uses defaults)
//   - am: Attachment manager whose bindings are reported
//   - tp: Throughput tracker
//   - mm: IP mapping manager, nil disables the mapping endpoints
//
// Returns:
//   - *Server: Initialized server instance
//   - error: Error if initialization fails
func NewAPIServer(cfg *Config, am handlers.BindingLister, tp handlers.ThroughputSource, mm ipmap.Manager) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if am == nil || tp == nil {
		return nil, errors.New("attachment manager and throughput source are required")
	}

	// Set Gin mode based on log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	server := &Server{
		config:      cfg,
		attachments: am,
		throughput:  tp,
		mappings:    mm,
		router:      router,
		errCh:       make(chan error, 1),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

// Start starts the HTTP server in a background goroutine.
// This method returns immediately; listen failures are reported by Run.
func (s *Server) Start() error {
	addr := s.config.Addr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	log.Infof("Starting API server on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("API server on %s: %w", addr, err)
		}
	}()

	return nil
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails. The server is shut down gracefully before returning.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-s.errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
// It waits for in-flight requests to complete (up to 30 seconds).
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	log.Info("Shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("API server forced to shutdown: %v", err)
		return err
	}

	log.Info("API server stopped gracefully")
	return nil
}

// GetRouter returns the underlying Gin router instance.
// This is primarily useful for testing purposes to inject
// test HTTP requests without starting the full HTTP server.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
