package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	httphandlers "roomcast/internal/handlers/http"
	"roomcast/internal/infrastructure/distributed"
	"roomcast/internal/infrastructure/middleware"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/internal/infrastructure/notify"
	"roomcast/internal/infrastructure/reliability"
	repositories "roomcast/internal/infrastructure/repositories"
	"roomcast/internal/infrastructure/scheduler"
	gateway "roomcast/internal/infrastructure/signal"
	"roomcast/pkg/circuitbreaker"
	"roomcast/pkg/config"
	"roomcast/pkg/logger"
	"roomcast/pkg/retry"
	"roomcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/roomcast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("using default configuration", "error", err)
	}

	nodeID := uuid.NewString()
	log = log.With("node_id", nodeID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "roomcast-gateway",
		Version:     version,
		NodeID:      nodeID,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("ROOMCAST_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	repoFactory, err := repositories.NewRepositoryFactory(startCtx, cfg, log)
	startCancel()
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	identity := services.NewIdentityService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	hubConfig := gateway.Config{
		PingInterval:   cfg.Gateway.PingInterval,
		PongTimeout:    cfg.Gateway.PongTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		hubConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubConfig.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	hub := gateway.NewHub(repoFactory.ConnectionRegistry(), identity, hubConfig, log)
	hub.SetMetrics(collector)

	coordinator := services.NewStreamCoordinator(
		repoFactory.RoomDirectory(),
		repoFactory.StreamRepository(),
		repoFactory.BindingRepository(),
		repoFactory.SubscriptionChecker(),
		hub,
		collector,
		log,
	)
	hub.SetCoordinator(coordinator)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil && (cfg.Presence.Cluster || cfg.Events.Backend == "redis") {
		bus = distributed.NewEventBus(client, cfg.Events.Channel, nodeID, log)
		if cfg.Presence.Cluster {
			hub.SetRelay(bus)
		}
		go func() {
			if err := bus.Subscribe(busCtx, distributed.Deliverer(hub)); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()
	}

	var nc *nats.Conn
	if cfg.Events.Backend == "nats" {
		nc, err = notify.Connect(cfg.Events.NATSURL, "roomcast-gateway", log)
		if err != nil {
			log.Fatalw("failed to connect to NATS", "error", err)
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				log.Warnw("error draining NATS connection", "error", err)
			}
		}()
	}

	publisher := presencePublisher(cfg, bus, nc, log)
	if cfg.Events.Backend != "none" {
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.Events.PublishRetries
		publisher = reliability.NewResilientPublisher(publisher, retryCfg, circuitbreaker.Config{
			FailureThreshold:    cfg.Events.BreakerFailures,
			SuccessThreshold:    1,
			Timeout:             cfg.Events.BreakerCooldown,
			MaxRequestsHalfOpen: 1,
		}, log)
	}
	hub.SetPublisher(publisher)

	var probe ports.LivenessProbe = hub
	var nodes *distributed.NodeRegistry
	if cfg.Presence.Cluster {
		nodes = distributed.NewNodeRegistry(repoFactory.RedisClient(), repoFactory.Keyspace(), nodeID, cfg.Presence.HeartbeatTTL, log)
		if err := nodes.Start(context.Background()); err != nil {
			log.Fatalw("failed to register node", "error", err)
		}
		hub.SetOwnership(nodes)
		probe = nodes.Probe(hub)
	}

	jobs := scheduler.NewScheduler(log)
	reconciler := services.NewPresenceReconciler(
		repoFactory.ConnectionRegistry(),
		probe,
		coordinator,
		publisher,
		jobs,
		collector,
		services.ReconcilerConfig{
			InitialDelay: cfg.Presence.InitialDelay,
			Interval:     cfg.Presence.SweepInterval,
		},
		log,
	)
	if nodes != nil {
		reconciler.WithLock(nodes.SweepLock(cfg.Presence.LockTTL))
	}
	reconciler.Start()

	checker := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 10*time.Second, 2*time.Second)
	}
	if pool := repoFactory.Postgres(); pool != nil {
		checker.AddPostgresCheck(pool, 10*time.Second, 2*time.Second)
	}
	if nc != nil {
		checker.AddNATSCheck(nc, 10*time.Second, time.Second)
	}
	checker.StartBackgroundChecks(busCtx, func(name string, err error) {
		if err != nil {
			log.Warnw("health check failing", "check", name, "error", err)
			return
		}
		log.Infow("health check recovered", "check", name)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Gateway.Path, middleware.NewWebSocketConnectionLimiter(cfg), gin.WrapF(hub.HandleWebSocket))
	httphandlers.NewStreamHandler(coordinator, identity).SetupRoutes(router)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
		log.Info("Prometheus metrics enabled")
	}
	httphandlers.NewHealthHandler(checker, hub, gatherer).SetupRoutes(router)

	// WriteTimeout stays unset on the server: it would cut long-lived
	// websocket connections. The hub sets per-frame write deadlines.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting roomcast gateway", "address", cfg.Server.Address, "ws_path", cfg.Gateway.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down roomcast gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	reconciler.Stop()
	jobs.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// Closing the hub runs leave bookkeeping for every local connection, so
	// it must finish before the stores go away.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing websocket connections", "error", err)
	}

	if nodes != nil {
		if err := nodes.Stop(shutdownCtx); err != nil {
			log.Errorw("error deregistering node", "error", err)
		}
	}

	busCancel()
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("roomcast gateway stopped")
}

// presencePublisher picks where disconnect notifications go. nc is only
// set when the NATS backend is configured.
func presencePublisher(cfg *config.Config, bus *distributed.EventBus, nc *nats.Conn, log *zap.SugaredLogger) ports.PresencePublisher {
	switch cfg.Events.Backend {
	case "redis":
		if bus != nil {
			return bus
		}
		log.Warnw("redis event backend requested without a Redis store, logging notifications instead")
	case "nats":
		return notify.NewNATSPublisher(nc, cfg.Events.SubjectPrefix, log)
	}
	return notify.NewLogPublisher(log)
}
