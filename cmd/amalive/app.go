package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"amalive/internal/core/ports"
	"amalive/internal/core/services"
	httphandlers "amalive/internal/handlers/http"
	"amalive/internal/infrastructure/distributed"
	"amalive/internal/infrastructure/middleware"
	"amalive/internal/infrastructure/monitoring"
	"amalive/internal/infrastructure/reliability"
	"amalive/internal/infrastructure/repositories"
	"amalive/internal/infrastructure/repositories/memory"
	wsignal "amalive/internal/infrastructure/signal"
	ingest "amalive/internal/infrastructure/webrtc"
	"amalive/internal/render"
	"amalive/internal/room"
	"amalive/internal/speaker"
	"amalive/pkg/config"
	"amalive/pkg/logger"
	"amalive/pkg/tracing"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthInterval = 15 * time.Second
	healthTimeout  = 2 * time.Second
)

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, p := range configPaths {
		if _, err := os.Stat(p); err == nil {
			cfg, err := config.Load(p)
			return cfg, p, err
		}
	}
	// Load falls back to defaults plus env overrides for a missing file.
	cfg, err := config.Load(configPaths[0])
	return cfg, "", err
}

func run(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, source, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if source == "" {
		log.Info("no config file found, using defaults")
	} else {
		log.Infow("loaded config", "path", source)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Warnw("tracer shutdown failed", "error", err)
			}
		}()
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer func() {
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
	}()
	repo := repoFactory.CreateSessionRepository()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	health := monitoring.NewHealthChecker(log)
	health.AddRepositoryCheck(repo, healthInterval, healthTimeout)

	hub := wsignal.NewHub(log)
	var (
		publisher ports.SessionEventPublisher = hub
		locker    ports.SessionLocker         = memory.NewSessionLocker()
		bus       *distributed.EventBus
	)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, healthInterval, healthTimeout)

		bus = distributed.NewEventBus(client, uuid.New().String(), log)
		defer bus.Close()
		publisher = services.MultiPublisher{hub, bus}
		locker = distributed.NewLockManager(client, "amalive:lock:", cfg.Reliability.StatusLockTTL)
	}
	health.StartBackgroundChecks(ctx)

	var subscriber ports.SessionSubscriber = hub
	var sessionCache *services.SessionCache
	if cfg.Cache.SessionTTL > 0 {
		sessionCache = services.NewSessionCache(cfg.Cache.SessionTTL, clock.New())
		go sessionCache.Run(ctx, cfg.Cache.SweepInterval)
		// drop cached copies before visits mirror the update
		publisher = services.MultiPublisher{sessionCache, publisher}
		subscriber = services.MultiSubscriber{sessionCache, hub}
	}

	var sessionService ports.SessionService = reliability.NewSessionServiceWrapper(
		services.NewLockedSessionService(services.NewSessionService(repo, publisher, collector, log), locker),
		reliability.Config{
			InitialInterval: cfg.Reliability.RetryInitialInterval,
			MaxInterval:     cfg.Reliability.RetryMaxInterval,
			MaxElapsed:      cfg.Reliability.RetryMaxElapsed,
			BreakerFailures: cfg.Reliability.BreakerFailures,
			BreakerCooldown: cfg.Reliability.BreakerCooldown,
		},
		clock.New(),
		log,
	)
	if sessionCache != nil {
		sessionService = services.NewCachedSessionService(sessionService, sessionCache)
	}
	if bus != nil {
		go func() {
			if err := bus.Subscribe(ctx, subscriber); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("session event bus stopped", "error", err)
			}
		}()
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	audio, err := speaker.NewContext(clock.New(), cfg.Room.FrameInterval)
	if err != nil {
		return fmt.Errorf("create audio context: %w", err)
	}
	multiParty := cfg.Room.VideoLayout == "participants"

	renderer, err := render.NewHTMLRenderer(log)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	optionalAuth := middleware.OptionalAuthMiddleware(authService, cfg.Auth.AllowAnonymous)
	healthHandler := httphandlers.NewHealthHandler(health, hub.Connections)

	wsServer := wsignal.NewWebSocketServer(wsignal.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		Room: room.Config{
			AutoEndOnExpiry: cfg.Room.AutoEndOnExpiry,
			MultiPartyVideo: multiParty,
			AcquireTimeout:  cfg.Room.AcquireTimeout,
			Detector: speaker.Config{
				FFTSize:      cfg.Room.FFTSize,
				Smoothing:    cfg.Room.Smoothing,
				Threshold:    cfg.Room.SpeakingThreshold,
				SilenceDelay: cfg.Room.SilenceDelay,
			},
		},
	}, wsignal.Params{
		Sessions: sessionService,
		Audio:    audio,
		Hub:      hub,
		Limiter:  middleware.NewWSLimiter(cfg),
		Ingest:   wsignal.AudioIngestFactory(ingestConfig(cfg), collector, log),
		Metrics:  collector,
		Logger:   log,
	})

	signalRouter := gin.New()
	signalRouter.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	signalRouter.GET("/ws/sessions/:id", optionalAuth, wsServer.HandleWebSocket)
	healthHandler.SetupRoutes(signalRouter)

	apiRouter := gin.New()
	apiRouter.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	httphandlers.NewSessionHandler(sessionService, renderer, multiParty, log).
		SetupRoutes(apiRouter, middleware.AuthMiddleware(authService), optionalAuth)
	healthHandler.SetupRoutes(apiRouter)
	if cfg.Monitoring.PrometheusEnabled {
		apiRouter.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      apiRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	// Room sockets are long lived; the socket enforces its own deadlines.
	signalServer := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalRouter,
	}

	serverErr := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"api": apiServer, "signal": signalServer} {
		go func(name string, srv *http.Server) {
			log.Infow("starting server", "server", name, "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("%s server: %w", name, err)
			}
		}(name, srv)
	}

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down amalive")
	shutdown(log, apiServer, cfg.Server.ShutdownTimeout)
	shutdown(log, signalServer, cfg.Signal.ShutdownTimeout)
	log.Infow("amalive stopped", "open_visits", hub.Connections())
	return runErr
}

func shutdown(log *zap.SugaredLogger, srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during server shutdown", "address", srv.Addr, "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "address", srv.Addr, "error", closeErr)
		}
		return
	}
	log.Infow("server shutdown gracefully", "address", srv.Addr)
}

// ingestConfig converts the ICE settings, falling back to a public STUN server.
func ingestConfig(cfg *config.Config) ingest.Config {
	var out ingest.Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(out.ICEServers) == 0 {
		out.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}
