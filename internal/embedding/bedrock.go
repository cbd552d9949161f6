// Package embedding provides remote and cached intelligence.Embedder
// implementations.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/rt4orgs/textflow/internal/intelligence"
)

// DefaultTitanModelID is the Bedrock embedding model used when none is configured.
const DefaultTitanModelID = "amazon.titan-embed-text-v2:0"

type invokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockEmbedder calls an Amazon Titan text embedding model.
type BedrockEmbedder struct {
	api        invokeModelAPI
	modelID    string
	dimensions int
	timeout    time.Duration
}

// BedrockOption configures a BedrockEmbedder.
type BedrockOption func(*BedrockEmbedder)

// WithDimensions requests a specific vector width (Titan v2 accepts 256, 512
// or 1024). Zero leaves the model default.
func WithDimensions(n int) BedrockOption {
	return func(e *BedrockEmbedder) {
		e.dimensions = n
	}
}

// WithTimeout bounds each InvokeModel call.
func WithTimeout(d time.Duration) BedrockOption {
	return func(e *BedrockEmbedder) {
		e.timeout = d
	}
}

func NewBedrockEmbedder(api invokeModelAPI, modelID string, opts ...BedrockOption) *BedrockEmbedder {
	if api == nil {
		panic("embedding: bedrock runtime client cannot be nil")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = DefaultTitanModelID
	}
	e := &BedrockEmbedder{api: api, modelID: modelID}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ModelID is the Bedrock model this embedder invokes.
func (e *BedrockEmbedder) ModelID() string {
	return e.modelID
}

// Embed implements intelligence.Embedder.
func (e *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !utf8.ValidString(text) {
		return nil, intelligence.ErrUnsupportedText
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, intelligence.ErrEmptyText
	}

	body := map[string]any{"inputText": text}
	if e.dimensions > 0 {
		body["dimensions"] = e.dimensions
		body["normalize"] = true
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("embedding: request marshal: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := e.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: invoke %s: %w", e.modelID, err)
	}

	var decoded struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(out.Body, &decoded); err != nil {
		return nil, fmt.Errorf("embedding: response parse: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, errors.New("embedding: response was empty")
	}

	vec := make([]float32, len(decoded.Embedding))
	for i, f := range decoded.Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}
