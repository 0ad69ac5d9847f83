// Package server provides the HTTP API for chittydnad.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/goals"
	"github.com/chittyos/chittydna/internal/pipeline"
	"github.com/chittyos/chittydna/internal/portability"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the pipeline, portability, audit, and goal surfaces
// over HTTP.
type Server struct {
	echo        *echo.Echo
	pipeline    pipeline.Service
	portability portability.Service
	auditLog    *audit.Log
	goalStore   *goals.Store
	metrics     http.Handler
	logger      *zap.Logger
	config      *Config
}

// New creates the HTTP server. The metrics handler may be nil, in which
// case /metrics returns 404.
func New(cfg *Config, pipe pipeline.Service, port portability.Service, auditLog *audit.Log, goalStore *goals.Store, metrics http.Handler, logger *zap.Logger) (*Server, error) {
	if pipe == nil {
		return nil, fmt.Errorf("server: pipeline is required")
	}
	if port == nil {
		return nil, fmt.Errorf("server: portability service is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("server: audit log is required")
	}
	if goalStore == nil {
		return nil, fmt.Errorf("server: goal store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("server: logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9614}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:        e,
		pipeline:    pipe,
		portability: port,
		auditLog:    auditLog,
		goalStore:   goalStore,
		metrics:     metrics,
		logger:      logger,
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleObserve)
	v1.POST("/phases/:phase", s.handlePhase)
	v1.POST("/export", s.handleExport)
	v1.POST("/import", s.handleImport)
	v1.GET("/audit/verify", s.handleAuditVerify)
	v1.GET("/audit/stats", s.handleAuditStats)
	v1.GET("/goals", s.handleGoals)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
