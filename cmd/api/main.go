package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rt4orgs/textflow/cmd/mainconfig"
	"github.com/rt4orgs/textflow/internal/api/router"
	"github.com/rt4orgs/textflow/internal/app/bootstrap"
	appconfig "github.com/rt4orgs/textflow/internal/config"
	"github.com/rt4orgs/textflow/internal/conversation"
	"github.com/rt4orgs/textflow/internal/http/handlers"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting textflow API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	var awsCfg *aws.Config
	if bootstrap.NeedsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	metricsHandler, engineStats, messageStats := setupMetrics()
	engineDeps := bootstrap.EngineDeps{AWS: awsCfg, Redis: redisClient, Metrics: engineStats, Logger: logger}
	engine, err := bootstrap.BuildEngine(ctx, cfg, engineDeps)
	if err != nil {
		logger.Error("failed to build conversation engine", "error", err)
		os.Exit(1)
	}

	stores, err := bootstrap.BuildStores(pool, redisClient, cfg, logger)
	if err != nil {
		logger.Error("failed to build stores", "error", err)
		os.Exit(1)
	}
	service, err := bootstrap.BuildConversationService(cfg, bootstrap.ServiceDeps{
		Engine:       engine,
		Stores:       stores,
		EngineStats:  engineStats,
		MessageStats: messageStats,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build conversation service", "error", err)
		os.Exit(1)
	}

	publisher, worker, err := setupQueue(ctx, cfg, awsCfg, service, logger)
	if err != nil {
		logger.Error("failed to set up conversation queue", "error", err)
		os.Exit(1)
	}

	webhookCfg := handlers.TwilioWebhookConfig{
		Service:       service,
		Config:        stores.WebhookConfig,
		AuthToken:     webhookSecret(cfg),
		PublicBaseURL: cfg.PublicBaseURL,
		HelpReply:     cfg.HelpReply,
		Metrics:       messageStats,
		Logger:        logger,
	}
	adminCfg := handlers.AdminConfig{
		Service:       service,
		WebhookConfig: stores.WebhookConfig,
		BuildEngine:   bootstrap.EngineBuilder(cfg, engineDeps),
		Logger:        logger,
	}
	if publisher != nil {
		webhookCfg.Publisher = publisher
		adminCfg.Followups = publisher
	}

	r := router.New(&router.Config{
		Logger:         logger,
		TwilioWebhook:  handlers.NewTwilioWebhookHandler(webhookCfg),
		Admin:          handlers.NewAdminHandler(adminCfg),
		AdminJWTSecret: cfg.AdminJWTSecret,
		MetricsHandler: metricsHandler,
		HealthChecks:   healthChecks(pool, redisClient),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	cancel()
	if worker != nil {
		waitForInlineWorker(worker, logger)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupMetrics() (http.Handler, *metrics.EngineMetrics, *metrics.MessagingMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return handler, metrics.NewEngineMetrics(reg), metrics.NewMessagingMetrics(reg)
}

// setupQueue returns a publisher when a queue is configured. A memory queue
// also gets an in-process worker, since nothing else can drain it.
func setupQueue(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, service *conversation.Service, logger *logging.Logger) (*conversation.Publisher, *conversation.Worker, error) {
	queue, err := bootstrap.BuildQueue(cfg, awsCfg)
	if err != nil {
		return nil, nil, err
	}
	if queue == nil {
		logger.Info("no conversation queue configured; webhooks reply inline")
		return nil, nil, nil
	}
	publisher := conversation.NewPublisher(queue, logger)
	if !cfg.UseMemoryQueue {
		return publisher, nil, nil
	}

	worker := conversation.NewWorker(service, queue, logger, conversation.WithWorkerCount(cfg.WorkerCount))
	worker.Start(ctx)
	logger.Info("inline conversation worker started", "workers", cfg.WorkerCount)
	return publisher, worker, nil
}

func waitForInlineWorker(worker *conversation.Worker, logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("inline conversation worker stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("inline conversation worker did not stop in time")
	}
}

// webhookSecret prefers the dedicated webhook secret over the account token.
func webhookSecret(cfg *appconfig.Config) string {
	if cfg.TwilioWebhookSecret != "" {
		return cfg.TwilioWebhookSecret
	}
	return cfg.TwilioAuthToken
}

func healthChecks(pool *pgxpool.Pool, redisClient *redis.Client) map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return checks
}
