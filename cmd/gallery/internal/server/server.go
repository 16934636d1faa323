// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the gallery service over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/gallery"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	Service *gallery.Service

	// ServiceName labels otelgin spans. Default: "gallery".
	ServiceName string

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server is the HTTP front of a gallery.Service.
type Server struct {
	svc      *gallery.Service
	router   *gin.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gallery"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	s := &Server{
		svc:    cfg.Service,
		router: router,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     sameHost,
		},
	}
	s.routes(cfg.Gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/events", s.handleEvents)
		v1.POST("/imports", s.handleImport)
		v1.GET("/token", s.handleTokenStatus)

		tasks := v1.Group("/tasks/:task/models/:name")
		{
			tasks.POST("/download", s.handleDownload)
			tasks.DELETE("/download", s.handleCancel)
			tasks.POST("/agreement", s.handleAgreement)
			tasks.POST("/retry", s.handleRetry)
		}

		models := v1.Group("/models")
		{
			models.GET("", s.handleListModels)
			models.GET("/:name", s.handleGetModel)
			models.DELETE("/:name", s.handleDelete)
			models.POST("/:name/init", s.handleInit)
			models.POST("/:name/cleanup", s.handleCleanup)
			models.POST("/:name/run", s.handleRun)
		}
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// sameHost accepts websocket upgrades without an Origin header (CLI
// clients) or from the serving host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
