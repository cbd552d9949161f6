package intelligence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rt4orgs/textflow/internal/messaging/compliance"
)

// DefaultThreshold is the minimum similarity for a non-unknown intent when
// neither the catalog nor the intent override it.
const DefaultThreshold = 0.45

// Classification is the classifier's answer for one inbound text.
type Classification struct {
	Intent     IntentID `json:"intent"`
	Confidence float64  `json:"confidence"`
	// Exemplar is the phrase that matched best, when any.
	Exemplar string `json:"exemplar,omitempty"`
	// Failure explains an unknown result caused by bad input or an embedder
	// error rather than low similarity.
	Failure string `json:"failure,omitempty"`
}

type exemplarVector struct {
	text   string
	vector []float32
}

type scoredIntent struct {
	intent    Intent
	exemplars []exemplarVector
}

// Classifier maps inbound text onto the lexicon. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	lexicon   *Lexicon
	embedder  Embedder
	threshold float64
	keywords  *compliance.Detector
	intents   []scoredIntent
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithThreshold overrides DefaultThreshold. Values outside (0,1] are ignored.
func WithThreshold(t float64) ClassifierOption {
	return func(c *Classifier) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// WithKeywordDetector replaces the carrier keyword detector used for the
// opt-out fast path. A nil detector disables it.
func WithKeywordDetector(d *compliance.Detector) ClassifierOption {
	return func(c *Classifier) {
		c.keywords = d
	}
}

// NewClassifier embeds every exemplar once. An exemplar that cannot be
// embedded is a configuration error.
func NewClassifier(ctx context.Context, lexicon *Lexicon, embedder Embedder, opts ...ClassifierOption) (*Classifier, error) {
	if lexicon == nil {
		return nil, fmt.Errorf("%w: lexicon required", ErrInvalidCatalog)
	}
	if embedder == nil {
		embedder = NewHashingEmbedder(0)
	}
	c := &Classifier{
		lexicon:   lexicon,
		embedder:  embedder,
		threshold: DefaultThreshold,
		keywords:  compliance.NewDetector(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, in := range lexicon.intents {
		si := scoredIntent{intent: in, exemplars: make([]exemplarVector, 0, len(in.Exemplars))}
		for _, ex := range in.Exemplars {
			vec, err := embedder.Embed(ctx, ex)
			if err != nil {
				return nil, fmt.Errorf("%w: embed exemplar %q of intent %q: %v", ErrInvalidCatalog, ex, in.ID, err)
			}
			si.exemplars = append(si.exemplars, exemplarVector{text: ex, vector: vec})
		}
		c.intents = append(c.intents, si)
	}
	return c, nil
}

// Threshold is the classifier-wide minimum confidence.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Lexicon returns the intents the classifier scores against.
func (c *Classifier) Lexicon() *Lexicon {
	return c.lexicon
}

// Classify never fails: bad input and embedder errors produce IntentUnknown
// with zero confidence, and low similarity produces IntentUnknown with the
// best score seen.
func (c *Classifier) Classify(ctx context.Context, text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Intent: IntentUnknown, Failure: "empty text"}
	}
	if c.keywords != nil && c.keywords.IsStop(trimmed) {
		return Classification{Intent: IntentOptOut, Confidence: 1, Exemplar: c.keywords.Keyword(trimmed)}
	}

	query, err := c.embedder.Embed(ctx, trimmed)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, ErrEmptyText) {
			reason = "no usable tokens"
		}
		return Classification{Intent: IntentUnknown, Failure: reason}
	}

	var (
		best      *scoredIntent
		bestScore = -1.0
		bestText  string
	)
	for i := range c.intents {
		si := &c.intents[i]
		score, text := si.bestMatch(query)
		// Strictly greater: the first declared intent keeps a tie.
		if score > bestScore {
			best, bestScore, bestText = si, score, text
		}
	}
	if best == nil {
		return Classification{Intent: IntentUnknown}
	}

	confidence := clamp01(bestScore)
	threshold := c.threshold
	if best.intent.MinConfidence > 0 {
		threshold = best.intent.MinConfidence
	}
	if confidence < threshold {
		return Classification{Intent: IntentUnknown, Confidence: confidence, Exemplar: bestText}
	}
	return Classification{Intent: best.intent.ID, Confidence: confidence, Exemplar: bestText}
}

func (si *scoredIntent) bestMatch(query []float32) (float64, string) {
	best := -1.0
	var text string
	for _, ex := range si.exemplars {
		if s := CosineSimilarity(query, ex.vector); s > best {
			best, text = s, ex.text
		}
	}
	return best, text
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
