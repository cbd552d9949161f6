package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rt4orgs/textflow/cmd/mainconfig"
	"github.com/rt4orgs/textflow/internal/app/bootstrap"
	appconfig "github.com/rt4orgs/textflow/internal/config"
	"github.com/rt4orgs/textflow/internal/conversation"
	"github.com/rt4orgs/textflow/internal/events"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

const processedRetention = 30 * 24 * time.Hour

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue || cfg.ConversationQueueURL == "" {
		logger.Error("conversation worker needs CONVERSATION_QUEUE_URL and USE_MEMORY_QUEUE=false")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	reg := prometheus.NewRegistry()
	engineStats := metrics.NewEngineMetrics(reg)
	messageStats := metrics.NewMessagingMetrics(reg)

	engine, err := bootstrap.BuildEngine(ctx, cfg, bootstrap.EngineDeps{AWS: &awsConfig, Redis: redisClient, Metrics: engineStats, Logger: logger})
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

	queue, err := bootstrap.BuildQueue(cfg, &awsConfig)
	if err != nil {
		logger.Error("failed to build queue", "error", err)
		os.Exit(1)
	}

	worker := conversation.NewWorker(
		service,
		queue,
		logger,
		conversation.WithWorkerCount(cfg.WorkerCount),
		conversation.WithReceiveWaitSeconds(20),
		conversation.WithReceiveBatchSize(10),
	)
	worker.Start(ctx)
	logger.Info("conversation worker started", "workers", cfg.WorkerCount)

	if processed, ok := stores.Processed.(*events.ProcessedStore); ok {
		go purgeProcessed(ctx, processed, logger)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down conversation worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("conversation worker stopped")
	case <-doneCtx.Done():
		logger.Error("conversation worker shutdown timed out", "error", doneCtx.Err())
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// purgeProcessed trims the Postgres dedup table once a day.
func purgeProcessed(ctx context.Context, store *events.ProcessedStore, logger *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		removed, err := store.Purge(ctx, time.Now().Add(-processedRetention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to purge processed events", "error", err)
		} else if removed > 0 {
			logger.Info("purged processed events", "count", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
