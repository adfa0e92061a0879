// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves the appservice API on a TCP listener. Serve blocks
// until its context is cancelled and in-flight transactions drain.
type Server struct {
	address         string
	handler         http.Handler
	shutdownTimeout time.Duration
	logger          *slog.Logger

	// ready is closed once the listener is bound.
	ready chan struct{}
	addr  net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the host:port to listen on, e.g. "127.0.0.1:29317".
	Address string

	Handler http.Handler

	// ShutdownTimeout bounds how long Serve waits for in-flight
	// transactions after cancellation. Default: 10s
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// NewServer validates cfg and returns a Server. Call Serve to start
// listening.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Address == "" {
		return nil, errors.New("appservice: listen address is required")
	}
	if cfg.Handler == nil || cfg.Logger == nil {
		return nil, errors.New("appservice: handler and logger are required")
	}
	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		address:         cfg.Address,
		handler:         cfg.Handler,
		shutdownTimeout: timeout,
		logger:          cfg.Logger,
		ready:           make(chan struct{}),
	}, nil
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address. Only valid after Ready is closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("appservice: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Transactions can carry many events; the homeserver retries
		// anything that times out.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("appservice listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("appservice shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("appservice: shutdown: %w", err)
	}
	s.logger.Info("appservice stopped")
	return nil
}
