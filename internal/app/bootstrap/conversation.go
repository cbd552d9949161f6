package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/rt4orgs/textflow/internal/config"
	"github.com/rt4orgs/textflow/internal/conversation"
	"github.com/rt4orgs/textflow/internal/events"
	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/internal/messaging"
	"github.com/rt4orgs/textflow/internal/messaging/compliance"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

type processedMarker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// Stores are the persistence backends the conversation service runs on.
// Postgres and Redis are each optional; missing backends fall back to
// process memory.
type Stores struct {
	Conversations conversation.Store
	Templates     conversation.TemplateStore
	Locker        conversation.Locker
	Processed     processedMarker
	WebhookConfig messaging.WebhookConfigStore
}

// BuildStores picks a backend per concern from the available clients.
func BuildStores(pool *pgxpool.Pool, redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) (Stores, error) {
	if cfg == nil {
		return Stores{}, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	webhookDefaults, err := WebhookDefaults(cfg)
	if err != nil {
		return Stores{}, err
	}

	var s Stores
	if pool != nil {
		s.Conversations = conversation.NewPostgresStore(pool)
		s.Templates = conversation.NewPostgresTemplateStore(pool)
		s.Processed = events.NewProcessedStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set; conversations are kept in memory")
		s.Conversations = conversation.NewMemoryStore()
		s.Templates = conversation.NewMemoryTemplateStore()
	}

	if redisClient != nil {
		s.Locker = conversation.NewRedisLocker(redisClient, cfg.LockTTL, logger)
		s.WebhookConfig = messaging.NewRedisWebhookConfigStore(redisClient, webhookDefaults)
		if s.Processed == nil {
			s.Processed = events.NewRedisProcessedStore(redisClient, 0)
		}
	} else {
		s.Locker = conversation.NewMemoryLocker()
		s.WebhookConfig = messaging.NewMemoryWebhookConfigStore(webhookDefaults)
	}
	if s.Processed == nil {
		logger.Warn("no dedup store configured; provider retries may be processed twice")
	}
	return s, nil
}

// WebhookDefaults is the webhook config used until an operator changes it.
func WebhookDefaults(cfg *appconfig.Config) (messaging.WebhookConfig, error) {
	out := messaging.DefaultWebhookConfig()
	if strings.TrimSpace(cfg.WebhookMode) == "" {
		return out, nil
	}
	mode, err := messaging.ParseWebhookMode(cfg.WebhookMode)
	if err != nil {
		return messaging.WebhookConfig{}, fmt.Errorf("bootstrap: %w", err)
	}
	out.Mode = mode
	return out, nil
}

// BuildSender returns the Twilio REST sender when credentials are present and
// a logging sender otherwise.
func BuildSender(cfg *appconfig.Config, logger *logging.Logger) messaging.Sender {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		logger.Warn("twilio credentials missing; outbound SMS will only be logged")
		return messaging.NewLogSender(logger)
	}
	return messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)
}

// ServiceDeps groups what BuildConversationService needs beyond config.
type ServiceDeps struct {
	Engine       *intelligence.Engine
	Stores       Stores
	Sender       messaging.Sender
	EngineStats  *metrics.EngineMetrics
	MessageStats *metrics.MessagingMetrics
	Logger       *logging.Logger
}

// BuildConversationService wires the service from config.
func BuildConversationService(cfg *appconfig.Config, deps ServiceDeps) (*conversation.Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("bootstrap: engine is required")
	}
	if deps.Stores.Conversations == nil {
		return nil, fmt.Errorf("bootstrap: conversation store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	quiet, err := compliance.ParseQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd, cfg.QuietHoursTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if deps.Sender == nil {
		deps.Sender = BuildSender(cfg, deps.Logger)
	}

	opts := []conversation.ServiceOption{
		conversation.WithSender(deps.Sender),
		conversation.WithQuietHours(quiet),
		conversation.WithDefaultOwner(cfg.DefaultOwnerID),
		conversation.WithFromNumber(cfg.TwilioFromNumber),
		conversation.WithMetrics(deps.EngineStats, deps.MessageStats),
		conversation.WithServiceLogger(deps.Logger),
	}
	if deps.Stores.Processed != nil {
		opts = append(opts, conversation.WithProcessedStore(deps.Stores.Processed))
	}
	return conversation.NewService(deps.Engine, deps.Stores.Conversations, deps.Stores.Templates, deps.Stores.Locker, opts...), nil
}

// BuildQueue selects the job queue. It returns nil when neither a memory
// queue nor an SQS URL is configured, which means synchronous webhooks.
func BuildQueue(cfg *appconfig.Config, awsCfg *aws.Config) (conversation.Queue, error) {
	if cfg.UseMemoryQueue {
		return conversation.NewMemoryQueue(256), nil
	}
	if strings.TrimSpace(cfg.ConversationQueueURL) == "" {
		return nil, nil
	}
	if awsCfg == nil {
		return nil, fmt.Errorf("bootstrap: SQS queue needs an AWS config")
	}
	return conversation.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.ConversationQueueURL), nil
}

// NeedsAWS reports whether any configured component talks to AWS.
func NeedsAWS(cfg *appconfig.Config) bool {
	if embeddingProvider(cfg) == EmbeddingBedrock {
		return true
	}
	return !cfg.UseMemoryQueue && strings.TrimSpace(cfg.ConversationQueueURL) != ""
}
