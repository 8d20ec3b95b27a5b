// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the platform's HTTP surface: gin router,
// tracing and metrics middleware, bearer auth, and graceful shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
	"github.com/KodiakOps/KodiakStack/services/gateway/routes"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// Config configures the gateway service.
type Config struct {
	// Addr is the listen address, e.g. ":12400".
	Addr string

	// ServiceName names the service in traces. Default "kodiak-gateway".
	ServiceName string

	// ShutdownGrace bounds graceful shutdown. Default: 10s.
	ShutdownGrace time.Duration

	// Metrics enables HTTP metrics middleware when set.
	Metrics *monitor.Metrics

	// Deps are the route dependencies.
	Deps routes.Deps

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Service is the running HTTP gateway.
type Service struct {
	config Config
	logger *slog.Logger
	router *gin.Engine
	server *http.Server
}

// New builds the gateway but does not start listening.
func New(config Config) (*Service, error) {
	if config.Addr == "" {
		return nil, errors.New("listen address is required")
	}
	if config.ServiceName == "" {
		config.ServiceName = "kodiak-gateway"
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Deps.Auth == nil {
		config.Deps.Auth = &extensions.NopAuthProvider{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(config.ServiceName))
	if config.Metrics != nil {
		router.Use(monitor.GinMetrics(config.Metrics))
	}
	routes.SetupRoutes(router, config.Deps)

	return &Service{
		config: config,
		logger: config.Logger,
		router: router,
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Router exposes the gin engine for tests.
func (s *Service) Router() *gin.Engine { return s.router }

// Run serves until the context is canceled, then shuts down gracefully.
//
// Description:
//
//	Starts the HTTP listener on one errgroup goroutine and watches the
//	context on another. Cancellation triggers server.Shutdown with the
//	configured grace period; in-flight requests finish, idle
//	connections close. Run returns the first fatal error, or nil on a
//	clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("gateway listening", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("gateway shutting down", "grace", s.config.ShutdownGrace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
