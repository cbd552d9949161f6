package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// WebhookMode gates what the inbound webhook does with a message.
type WebhookMode string

const (
	// ModeProd runs the engine, persists and replies.
	ModeProd WebhookMode = "prod"
	// ModeDryRun runs the engine against the stored snapshot and logs the
	// decision without persisting or replying.
	ModeDryRun WebhookMode = "dry_run"
	// ModePaused acknowledges without touching anything.
	ModePaused WebhookMode = "paused"
)

// ErrInvalidWebhookMode is returned for a mode outside prod, dry_run, paused.
var ErrInvalidWebhookMode = errors.New("messaging: invalid webhook mode")

// ParseWebhookMode accepts a mode name, case-insensitively.
func ParseWebhookMode(v string) (WebhookMode, error) {
	switch WebhookMode(strings.ToLower(strings.TrimSpace(v))) {
	case ModeProd:
		return ModeProd, nil
	case ModeDryRun:
		return ModeDryRun, nil
	case ModePaused:
		return ModePaused, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWebhookMode, v)
	}
}

// WebhookConfig is the runtime switchboard for the inbound webhook.
type WebhookConfig struct {
	Enabled     bool        `json:"enabled"`
	Mode        WebhookMode `json:"mode"`
	LogPayloads bool        `json:"log_payloads"`
}

// DefaultWebhookConfig is enabled in prod mode with payload logging.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{Enabled: true, Mode: ModeProd, LogPayloads: true}
}

// Validate checks the mode.
func (c WebhookConfig) Validate() error {
	_, err := ParseWebhookMode(string(c.Mode))
	return err
}

// WebhookConfigStore reads and replaces the webhook config.
type WebhookConfigStore interface {
	Get(ctx context.Context) (WebhookConfig, error)
	Set(ctx context.Context, cfg WebhookConfig) error
}

// MemoryWebhookConfigStore keeps the config in process memory.
type MemoryWebhookConfigStore struct {
	mu  sync.RWMutex
	cfg WebhookConfig
}

func NewMemoryWebhookConfigStore(initial WebhookConfig) *MemoryWebhookConfigStore {
	return &MemoryWebhookConfigStore{cfg: initial}
}

func (s *MemoryWebhookConfigStore) Get(context.Context) (WebhookConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, nil
}

func (s *MemoryWebhookConfigStore) Set(_ context.Context, cfg WebhookConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

const webhookConfigKey = "webhook:config"

// RedisWebhookConfigStore shares the config across replicas. A missing key
// yields the fallback config.
type RedisWebhookConfigStore struct {
	redis    *redis.Client
	fallback WebhookConfig
}

func NewRedisWebhookConfigStore(client *redis.Client, fallback WebhookConfig) *RedisWebhookConfigStore {
	if client == nil {
		panic("messaging: redis client cannot be nil")
	}
	return &RedisWebhookConfigStore{redis: client, fallback: fallback}
}

func (s *RedisWebhookConfigStore) Get(ctx context.Context) (WebhookConfig, error) {
	data, err := s.redis.Get(ctx, webhookConfigKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return s.fallback, nil
		}
		return s.fallback, fmt.Errorf("messaging: load webhook config: %w", err)
	}
	var cfg WebhookConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return s.fallback, fmt.Errorf("messaging: decode webhook config: %w", err)
	}
	return cfg, nil
}

func (s *RedisWebhookConfigStore) Set(ctx context.Context, cfg WebhookConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("messaging: encode webhook config: %w", err)
	}
	if err := s.redis.Set(ctx, webhookConfigKey, data, 0).Err(); err != nil {
		return fmt.Errorf("messaging: save webhook config: %w", err)
	}
	return nil
}
