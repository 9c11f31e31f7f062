package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/markethub/relay/internal/application/handlers"
	"github.com/markethub/relay/internal/application/ingest"
	"github.com/markethub/relay/internal/infrastructure/breaker"
	"github.com/markethub/relay/internal/infrastructure/config"
	"github.com/markethub/relay/internal/infrastructure/idempotency"
	"github.com/markethub/relay/internal/infrastructure/logger"
	"github.com/markethub/relay/internal/infrastructure/metrics"
	"github.com/markethub/relay/internal/infrastructure/persistence"
	"github.com/markethub/relay/internal/infrastructure/platform"
	"github.com/markethub/relay/internal/infrastructure/queue"
	"github.com/markethub/relay/internal/infrastructure/ratepool"
	"github.com/markethub/relay/internal/interfaces/http/handler"
	"github.com/markethub/relay/internal/interfaces/http/middleware"
	"github.com/markethub/relay/internal/interfaces/http/router"
	"github.com/markethub/relay/internal/relay"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Service:    cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting webhook relay",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel,
		logger.WithSlowThreshold(cfg.Log.SlowQueryThreshold))

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Idempotency store: Redis with in-memory failover, or pure in-memory
	// when Redis is down and fallback is allowed
	storeFactory := idempotency.NewFactory(idempotency.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	},
		idempotency.WithLogger(log),
		idempotency.WithFallback(cfg.Redis.AllowMemoryFallback),
	)
	store, err := storeFactory.CreateStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing idempotency store", zap.Error(err))
		}
	}()

	// Circuit breaker registry for outbound platform endpoints
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		IdlePruneAfter:           cfg.Breaker.IdlePruneAfter,
	}, breaker.WithLogger(log))
	breakers.Start()
	defer breakers.Stop()

	// Per-tenant rate pools for outbound API budget
	pool := ratepool.NewManager(ratepool.Config{
		MaxCallsPerWindow:    cfg.RatePool.MaxCallsPerWindow,
		Window:               cfg.RatePool.Window,
		SoftThrottleFraction: cfg.RatePool.SoftThrottleFraction,
		HardStopFraction:     cfg.RatePool.HardStopFraction,
		SoftPause:            cfg.RatePool.SoftPause,
		SchedulerTick:        cfg.RatePool.SchedulerTick,
		DrainPerSecond:       cfg.RatePool.DrainPerSecond,
		DefaultRetryAfter:    cfg.RatePool.DefaultRetryAfter,
		RequestTimeout:       cfg.RatePool.RequestTimeout,
		CallLimitHeader:      cfg.RatePool.CallLimitHeader,
	}, ratepool.WithLogger(log))
	pool.Start()
	defer pool.Stop()

	// Outbound platform client over breakers and rate pools
	client := platform.NewClient(platform.Config{
		APIVersion: cfg.Platform.APIVersion,
	}, breakers, pool, log)
	for tenant, token := range cfg.Platform.Tenants {
		client.SetAccessToken(tenant, token)
	}
	if len(cfg.Platform.Tenants) > 0 {
		log.Info("Platform tenants configured", zap.Int("count", len(cfg.Platform.Tenants)))
	}

	// Handler registry: webhook payloads are thin notifications, so every
	// relayed resource is re-fetched from the platform for its
	// authoritative state
	registry := relay.NewRegistry()
	resync := handlers.NewResyncHandler(client, log)
	for _, resource := range []string{
		"orders", "products", "customers", "checkouts",
		"inventory_levels", "refunds", "fulfillments",
	} {
		registry.Register(resource+"/*", resync)
	}
	log.Info("Event handlers registered", zap.Strings("topics", registry.Topics()))

	// Prometheus metrics, with job handling instrumented
	m := metrics.New()
	instrumented := metrics.InstrumentHandler(m, registry)

	// Durable retry queue and worker pool
	repo := queue.NewGormRepository(db.DB)
	workers := queue.NewWorkerPool(repo, store, instrumented, queue.WorkerPoolConfig{
		PoolSize:         cfg.Queue.WorkerPoolSize,
		PollInterval:     cfg.Queue.PollInterval,
		JobTimeout:       cfg.Queue.JobTimeout,
		RetryBaseDelay:   cfg.Queue.RetryBaseDelay,
		OutcomeTTL:       cfg.Idempotency.Retention,
		LeaseTimeout:     cfg.Queue.LeaseTimeout,
		CleanupEnabled:   cfg.Queue.CleanupEnabled,
		CleanupRetention: cfg.Queue.CleanupRetention,
		CleanupInterval:  cfg.Queue.CleanupInterval,
	}, log)
	if err := workers.Start(context.Background()); err != nil {
		log.Fatal("Failed to start worker pool", zap.Error(err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := workers.Stop(stopCtx); err != nil {
			log.Error("Error stopping worker pool", zap.Error(err))
		}
	}()
	log.Info("Worker pool started",
		zap.Int("pool_size", cfg.Queue.WorkerPoolSize),
		zap.Duration("poll_interval", cfg.Queue.PollInterval),
	)

	// Gauge sampling for queue depth, circuits and rate pools
	collector := metrics.NewCollector(m, repo, breakers, pool, store, cfg.Metrics.CollectInterval, log)
	collector.Start(context.Background())
	defer collector.Stop()

	// Webhook intake service
	verifier := ingest.NewVerifier(cfg.Webhook.Secret, ingest.WithFreshness(cfg.Webhook.Freshness))
	overrides := make(map[string]relay.Priority, len(cfg.Queue.PriorityOverrides))
	for topic, p := range cfg.Queue.PriorityOverrides {
		overrides[topic] = relay.Priority(p)
	}
	intake := ingest.NewService(store, repo, verifier, ingest.Config{
		ClaimTTL:          cfg.Idempotency.Retention,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		PriorityOverrides: overrides,
	}, log)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware stack: request IDs, panic recovery, request logging,
	// security headers
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())

	// Register routes
	r := router.NewRouter(engine)
	r.Register(handler.NewWebhookHandler(intake, m, log)).
		Register(handler.NewSystemHandler(repo, breakers, pool, store)).
		Register(handler.NewMetricsHandler(m))
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
