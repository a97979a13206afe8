// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// Host is the address to bind to.
	Host string
	// Port is the HTTP port to listen on.
	Port int

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Zero keeps streaming endpoints
	// (the event feed) alive indefinitely.
	WriteTimeout time.Duration
	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	RouterConfig RouterConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RouterConfig:    DefaultRouterConfig(),
	}
}

// Server is the engine HTTP server.
type Server struct {
	cfg    ServerConfig
	router chi.Router
	http   *http.Server
	log    *logger.Logger
}

// NewServer builds the server around a ready router.
func NewServer(cfg ServerConfig, router chi.Router, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &Server{
		cfg:    cfg,
		router: router,
		log:    log.Named("http"),
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
