package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

const defaultCacheTTL = 24 * time.Hour

// CachedEmbedder memoizes another embedder in Redis and coalesces concurrent
// requests for the same text. Cache failures fall through to the wrapped
// embedder.
type CachedEmbedder struct {
	next    intelligence.Embedder
	redis   *redis.Client
	ttl     time.Duration
	prefix  string
	group   singleflight.Group
	metrics *metrics.EngineMetrics
	logger  *logging.Logger
	tracer  trace.Tracer
}

// CacheOption configures a CachedEmbedder.
type CacheOption func(*CachedEmbedder)

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedEmbedder) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNamespace scopes cache keys, typically by model id, so switching models
// never serves stale vectors.
func WithNamespace(ns string) CacheOption {
	return func(c *CachedEmbedder) {
		c.prefix = "embedding:" + ns + ":"
	}
}

func WithCacheMetrics(m *metrics.EngineMetrics) CacheOption {
	return func(c *CachedEmbedder) {
		c.metrics = m
	}
}

func WithCacheLogger(l *logging.Logger) CacheOption {
	return func(c *CachedEmbedder) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCachedEmbedder(next intelligence.Embedder, client *redis.Client, opts ...CacheOption) *CachedEmbedder {
	if next == nil {
		panic("embedding: wrapped embedder cannot be nil")
	}
	c := &CachedEmbedder{
		next:   next,
		redis:  client,
		ttl:    defaultCacheTTL,
		prefix: "embedding:default:",
		logger: logging.Default(),
		tracer: otel.Tracer("textflow.internal.embedding"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed implements intelligence.Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := c.tracer.Start(ctx, "embedding.cached_embed")
	defer span.End()

	key := c.key(text)
	if vec, ok := c.load(ctx, key); ok {
		span.SetAttributes(attribute.Bool("embedding.cache_hit", true))
		return vec, nil
	}
	span.SetAttributes(attribute.Bool("embedding.cache_hit", false))

	v, err, _ := c.group.Do(key, func() (any, error) {
		vec, err := c.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, vec)
		return vec, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v.([]float32), nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) load(ctx context.Context, key string) ([]float32, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.metrics.ObserveEmbeddingCache("miss")
		} else {
			c.metrics.ObserveEmbeddingCache("error")
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		c.metrics.ObserveEmbeddingCache("error")
		return nil, false
	}
	c.metrics.ObserveEmbeddingCache("hit")
	return vec, true
}

func (c *CachedEmbedder) store(ctx context.Context, key string, vec []float32) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", "error", fmt.Errorf("embedding: %w", err))
	}
}
