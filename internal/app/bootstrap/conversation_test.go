package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/rt4orgs/textflow/internal/config"
	"github.com/rt4orgs/textflow/internal/conversation"
	"github.com/rt4orgs/textflow/internal/events"
	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/internal/messaging"
	"github.com/rt4orgs/textflow/pkg/logging"
)

func TestBuildStoresMemoryFallback(t *testing.T) {
	stores, err := BuildStores(nil, nil, &appconfig.Config{}, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := stores.Conversations.(*conversation.MemoryStore); !ok {
		t.Fatalf("expected MemoryStore, got %T", stores.Conversations)
	}
	if _, ok := stores.Templates.(*conversation.MemoryTemplateStore); !ok {
		t.Fatalf("expected MemoryTemplateStore, got %T", stores.Templates)
	}
	if _, ok := stores.Locker.(*conversation.MemoryLocker); !ok {
		t.Fatalf("expected MemoryLocker, got %T", stores.Locker)
	}
	if stores.Processed != nil {
		t.Fatalf("expected no dedup store without postgres or redis")
	}
}

func TestBuildStoresUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores, err := BuildStores(nil, client, &appconfig.Config{WebhookMode: "dry_run"}, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := stores.Locker.(*conversation.RedisLocker); !ok {
		t.Fatalf("expected RedisLocker, got %T", stores.Locker)
	}
	if _, ok := stores.Processed.(*events.RedisProcessedStore); !ok {
		t.Fatalf("expected RedisProcessedStore, got %T", stores.Processed)
	}
	cfg, err := stores.WebhookConfig.Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != messaging.ModeDryRun {
		t.Fatalf("expected dry_run default, got %s", cfg.Mode)
	}
}

func TestWebhookDefaultsRejectsUnknownMode(t *testing.T) {
	_, err := WebhookDefaults(&appconfig.Config{WebhookMode: "loud"})
	if !errors.Is(err, messaging.ErrInvalidWebhookMode) {
		t.Fatalf("expected ErrInvalidWebhookMode, got %v", err)
	}
}

func TestBuildConversationServiceValidation(t *testing.T) {
	logger := logging.New("error")
	if _, err := BuildConversationService(nil, ServiceDeps{}); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := BuildConversationService(&appconfig.Config{}, ServiceDeps{Logger: logger}); err == nil {
		t.Fatalf("expected error without engine")
	}

	engine := defaultEngine(t)
	stores, err := BuildStores(nil, nil, &appconfig.Config{}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &appconfig.Config{QuietHoursStart: "25:00", QuietHoursEnd: "08:00"}
	if _, err := BuildConversationService(cfg, ServiceDeps{Engine: engine, Stores: stores, Logger: logger}); err == nil {
		t.Fatalf("expected error for invalid quiet hours")
	}
}

func TestBuildConversationServiceHandlesInbound(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{DefaultOwnerID: "rep-7"}
	stores, err := BuildStores(nil, nil, cfg, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc, err := BuildConversationService(cfg, ServiceDeps{Engine: defaultEngine(t), Stores: stores, Logger: logger})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := svc.HandleInbound(context.Background(), conversation.InboundMessage{
		MessageSid: "SM1",
		From:       "+15551234567",
		Body:       "yes",
	}, conversation.DeliverInline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Result.Conversation.OwnerID != "rep-7" {
		t.Fatalf("expected default owner rep-7, got %s", outcome.Result.Conversation.OwnerID)
	}
}

func TestBuildQueue(t *testing.T) {
	q, err := BuildQueue(&appconfig.Config{UseMemoryQueue: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*conversation.MemoryQueue); !ok {
		t.Fatalf("expected MemoryQueue, got %T", q)
	}

	q, err = BuildQueue(&appconfig.Config{}, nil)
	if err != nil || q != nil {
		t.Fatalf("expected no queue in sync mode, got %T, %v", q, err)
	}

	if _, err := BuildQueue(&appconfig.Config{ConversationQueueURL: "http://localhost:4566/queue/jobs.fifo"}, nil); err == nil {
		t.Fatalf("expected error for SQS without AWS config")
	}
}

func TestNeedsAWS(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.Config
		want bool
	}{
		{"local sync", appconfig.Config{EmbeddingProvider: "local"}, false},
		{"bedrock", appconfig.Config{EmbeddingProvider: "bedrock"}, true},
		{"sqs", appconfig.Config{ConversationQueueURL: "https://sqs/jobs.fifo"}, true},
		{"memory queue wins", appconfig.Config{UseMemoryQueue: true, ConversationQueueURL: "https://sqs/jobs.fifo"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsAWS(&tt.cfg); got != tt.want {
				t.Fatalf("NeedsAWS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func defaultEngine(t *testing.T) *intelligence.Engine {
	t.Helper()
	cat, err := intelligence.DefaultCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	engine, err := cat.Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return engine
}
