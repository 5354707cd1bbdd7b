// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the knowledge store read-only over HTTP: the
// digest, the queue, RFCs, the latest session log, health and Prometheus
// metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/telemetry"
)

// ServiceName names the server in traces.
const ServiceName = "skl-server"

// Reader is the slice of the knowledge store the server serves from.
type Reader interface {
	Read(ctx context.Context) (*knowledge.KnowledgeModel, error)
	ListRFCs(ctx context.Context) ([]knowledge.RFC, error)
	ReadRFC(ctx context.Context, id string) (*knowledge.RFC, error)
	ReadSessionLog(ctx context.Context) (*knowledge.SessionLog, error)
}

// NewRouter builds the engine with tracing, recovery and every route.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(ServiceName))

	r.GET("/healthz", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	RegisterRoutes(r.Group("/v1"), h)
	return r
}

// RegisterRoutes mounts the read API on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/digest", h.HandleDigest)
	rg.GET("/queue", h.HandleQueue)
	rg.GET("/rfcs", h.HandleListRFCs)
	rg.GET("/rfcs/:id", h.HandleGetRFC)
	rg.GET("/session", h.HandleLatestSession)
}

// Server is an HTTP server with graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// New returns a server for handler on addr.
func New(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
