package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/rt4orgs/textflow/internal/config"
	"github.com/rt4orgs/textflow/internal/embedding"
	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

const (
	EmbeddingLocal   = "local"
	EmbeddingBedrock = "bedrock"
)

// EngineDeps are the runtime clients the engine may use. AWS is required
// only for the bedrock embedding provider; Redis is optional.
type EngineDeps struct {
	AWS     *aws.Config
	Redis   *redis.Client
	Metrics *metrics.EngineMetrics
	Logger  *logging.Logger
}

// BuildEngine loads the catalog and wires the configured embedder.
func BuildEngine(ctx context.Context, cfg *appconfig.Config, deps EngineDeps) (*intelligence.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	embedder, err := buildEmbedder(cfg, deps)
	if err != nil {
		return nil, err
	}

	var opts []intelligence.ClassifierOption
	if cfg.ClassifierThreshold > 0 {
		opts = append(opts, intelligence.WithThreshold(cfg.ClassifierThreshold))
	}
	engine, err := catalog.Build(ctx, embedder, opts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build engine: %w", err)
	}
	deps.Logger.Info("conversation engine ready",
		"catalog", catalogSource(cfg.CatalogPath),
		"embedding_provider", embeddingProvider(cfg),
		"intents", engine.Classifier().Lexicon().Len(),
		"threshold", engine.Classifier().Threshold(),
	)
	return engine, nil
}

// EngineBuilder returns a reload func that rebuilds the engine from the
// same config and clients.
func EngineBuilder(cfg *appconfig.Config, deps EngineDeps) func(ctx context.Context) (*intelligence.Engine, error) {
	return func(ctx context.Context) (*intelligence.Engine, error) {
		return BuildEngine(ctx, cfg, deps)
	}
}

func loadCatalog(path string) (*intelligence.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return intelligence.DefaultCatalog()
	}
	return intelligence.LoadCatalog(path)
}

func catalogSource(path string) string {
	if strings.TrimSpace(path) == "" {
		return "embedded"
	}
	return path
}

func embeddingProvider(cfg *appconfig.Config) string {
	if p := strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)); p != "" {
		return p
	}
	return EmbeddingLocal
}

// buildEmbedder returns nil for the local provider; the catalog then falls
// back to its hashing embedder.
func buildEmbedder(cfg *appconfig.Config, deps EngineDeps) (intelligence.Embedder, error) {
	switch embeddingProvider(cfg) {
	case EmbeddingLocal:
		return nil, nil
	case EmbeddingBedrock:
		if deps.AWS == nil {
			return nil, fmt.Errorf("bootstrap: bedrock embeddings need an AWS config")
		}
		bedrock := embedding.NewBedrockEmbedder(
			bedrockruntime.NewFromConfig(*deps.AWS),
			cfg.BedrockEmbeddingModelID,
			embedding.WithTimeout(cfg.EmbeddingTimeout),
		)
		return embedding.NewCachedEmbedder(bedrock, deps.Redis,
			embedding.WithNamespace(bedrock.ModelID()),
			embedding.WithCacheTTL(cfg.EmbeddingCacheTTL),
			embedding.WithCacheMetrics(deps.Metrics),
			embedding.WithCacheLogger(deps.Logger),
		), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}
