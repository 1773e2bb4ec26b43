/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/roomair/internal/api"
	"github.com/friendsincode/roomair/internal/config"
	"github.com/friendsincode/roomair/internal/db"
	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/eventbus"
	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/ledger"
	"github.com/friendsincode/roomair/internal/notify"
	"github.com/friendsincode/roomair/internal/telemetry"
	"github.com/friendsincode/roomair/internal/usage"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db         *gorm.DB
	redis      *redis.Client
	bus        events.Broker
	store      ledger.Store
	journal    *ledger.Journal
	book       *ledger.Book
	hub        *notify.Hub
	notifier   *notify.Dispatcher
	usage      *usage.Recorder
	dispatcher *dispatch.Dispatcher
	api        *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New wires every component and starts the background workers.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("roomair-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Websocket upgrades are long-lived and skip the request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Websocket handlers manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	nodeID := eventbus.NodeID(s.cfg.InstanceID)
	redisCfg := s.redisConfig()
	if s.cfg.LedgerBackend == config.LedgerRedis || s.cfg.EventBus == config.EventBusRedis {
		s.redis = eventbus.NewRedisClient(redisCfg)
		client := s.redis
		s.DeferClose(client.Close)
	}

	switch s.cfg.LedgerBackend {
	case config.LedgerRedis:
		s.store = ledger.NewRedisStore(s.redis, "")
	default:
		s.store = ledger.NewGormStore(database)
	}
	s.journal = ledger.NewJournal(s.store, s.cfg.JournalQueueSize, s.logger)
	s.book = ledger.NewBook(s.journal)

	hydrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rooms, err := s.book.Hydrate(hydrateCtx, s.store)
	if err != nil {
		return err
	}
	s.logger.Info().Int("rooms", rooms).Str("backend", string(s.cfg.LedgerBackend)).Msg("ledger hydrated")

	switch s.cfg.EventBus {
	case config.EventBusRedis:
		bus := eventbus.NewRedisBus(s.redis, redisCfg, nodeID, s.logger)
		s.bus = bus
		s.DeferClose(bus.Close)
	case config.EventBusNATS:
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		bus, err := eventbus.NewNATSBus(natsCfg, nodeID, s.logger)
		if err != nil {
			return err
		}
		s.bus = bus
		s.DeferClose(bus.Close)
	default:
		s.bus = events.NewBus()
	}

	s.hub = notify.NewHub(32)
	s.notifier = notify.NewDispatcher(s.hub, s.bus, s.cfg.NotifyQueueSize, s.logger)
	s.usage = usage.NewRecorder(database, s.cfg.UsageQueueSize, s.logger)

	s.dispatcher, err = dispatch.New(s.cfg.Dispatch(), s.book, s.logger,
		dispatch.WithNotifier(s.notifier),
		dispatch.WithUsageRecorder(s.usage),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	s.api = api.New(api.Deps{
		Dispatcher:   s.dispatcher,
		Ledger:       s.book,
		Hub:          s.hub,
		Bus:          s.bus,
		DB:           database,
		JWTSecret:    []byte(s.cfg.JWTSigningKey),
		PingInterval: s.cfg.WSPingInterval,
	}, s.logger)

	return nil
}

func (s *Server) redisConfig() eventbus.RedisConfig {
	rc := eventbus.DefaultRedisConfig()
	rc.Addr = s.cfg.RedisAddr
	rc.Password = s.cfg.RedisPassword
	rc.DB = s.cfg.RedisDB
	return rc
}

// HTTPServer returns the API server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer returns the dedicated metrics server, nil when metrics share the API port.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Close stops workers, flushes outstanding charges and releases owned
// resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()

	var firstErr error
	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.journal.Flush(ctx); err != nil {
			s.logger.Error().Err(err).Int64("outstanding", s.journal.Outstanding()).Msg("ledger flush incomplete")
			firstErr = err
		}
		cancel()
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.runWorker(ctx, "dispatcher", s.dispatcher.Run)
	s.runWorker(ctx, "notifier", s.notifier.Run)
	s.runWorker(ctx, "usage", s.usage.Run)
	s.runWorker(ctx, "ledger journal", s.journal.Run)
	s.runWorker(ctx, "db metrics", func(ctx context.Context) error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	})
}

func (s *Server) runWorker(ctx context.Context, name string, run func(context.Context) error) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("worker", name).Msg("background worker exited")
		}
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

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := s.dispatcher.Snapshot()
		_, _ = fmt.Fprintf(w, `{"status":"ok","serving":%d,"waiting":%d,"ledger_outstanding":%d}`,
			len(snap.Serving), len(snap.Waiting), s.journal.Outstanding())
	})

	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}
