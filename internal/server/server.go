/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/campusgrid/supernode/internal/ai"
	"github.com/campusgrid/supernode/internal/api"
	"github.com/campusgrid/supernode/internal/attendance"
	"github.com/campusgrid/supernode/internal/config"
	"github.com/campusgrid/supernode/internal/db"
	"github.com/campusgrid/supernode/internal/eventbus"
	"github.com/campusgrid/supernode/internal/events"
	"github.com/campusgrid/supernode/internal/registry"
	"github.com/campusgrid/supernode/internal/router"
	"github.com/campusgrid/supernode/internal/session"
	"github.com/campusgrid/supernode/internal/storage"
	"github.com/campusgrid/supernode/internal/telemetry"
	"github.com/campusgrid/supernode/internal/transport"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db            *gorm.DB
	bus           *events.Bus
	redisBridge   *eventbus.RedisBus
	hub           *transport.Hub
	registry      *registry.Registry
	monitor       *registry.Monitor
	sessions      *session.Store
	aiSvc         *ai.Service
	attendanceSvc *attendance.Service
	msgRouter     *router.Router
	api           *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)
	r.Use(telemetry.TracingMiddleware("supernode-api"))
	r.Use(telemetry.MetricsMiddleware)
	// Device sockets stay open for the device's whole uptime; only plain
	// HTTP requests get the request timeout.
	r.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(120 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			timeout(next).ServeHTTP(w, req)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Sockets manage their own lifetimes; no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")

		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	s.hub = transport.NewHub(s.logger)

	s.registry = registry.New(s.hub, s.bus, registry.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		DisconnectGrace:   s.cfg.DisconnectGrace,
	}, s.logger)
	s.DeferClose(func() error { s.registry.Close(); return nil })

	s.monitor = registry.NewMonitor(s.registry, s.cfg.SweepInterval, s.cfg.HeartbeatTimeout, s.logger)
	s.sessions = session.NewStore()

	var primary, secondary ai.Provider
	if s.cfg.OllamaURL != "" {
		primary = ai.NewOllama(s.cfg.OllamaURL, s.cfg.OllamaModel, s.cfg.AITimeout)
	}
	if s.cfg.AIFallbackURL != "" {
		secondary = ai.NewChatCompletions(s.cfg.AIFallbackURL, s.cfg.AIFallbackKey, s.cfg.AIFallbackModel, s.cfg.AITimeout)
	}
	s.aiSvc = ai.NewService(primary, secondary, s.cfg.AITimeout, s.cfg.ProviderCooldown, s.db, s.logger)

	store, err := storage.Open(context.Background(), s.cfg)
	if err != nil {
		return fmt.Errorf("open snapshot storage: %w", err)
	}
	s.attendanceSvc = attendance.NewService(s.db, store, attendance.DefaultCooldown, s.logger)

	s.msgRouter = router.New(s.hub, s.registry, s.sessions, s.aiSvc, s.attendanceSvc, s.bus, s.logger)

	deviceWS := api.NewDeviceSocket(s.hub, s.msgRouter, s.logger)
	s.api = api.New(s.registry, s.sessions, s.aiSvc, s.attendanceSvc, deviceWS, s.logger)

	if s.cfg.RedisEventBusEnabled {
		opts := eventbus.DefaultOptions()
		opts.Addr = s.cfg.RedisAddr
		opts.Password = s.cfg.RedisPassword
		opts.DB = s.cfg.RedisDB
		s.redisBridge = eventbus.NewRedisBus(opts, s.cfg.InstanceID, s.bus, []events.EventType{
			events.EventDeviceRegistered,
			events.EventDeviceOnline,
			events.EventDeviceOffline,
			events.EventDeviceRemoved,
			events.EventAttendanceRecorded,
			events.EventEmergencyBroadcast,
			events.EventEmergencyCleared,
		}, s.logger)
		s.DeferClose(s.redisBridge.Close)
	}

	return nil
}

func (s *Server) configureRoutes() {
	s.api.Routes(s.router)
}

// HTTPServer returns the configured HTTP server (not yet listening).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer returns a server exposing /metrics on the metrics bind.
func (s *Server) MetricsServer() *http.Server {
	mux := chi.NewRouter()
	mux.Handle("/metrics", telemetry.Handler())
	return &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.monitor.Run(ctx)
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
