package intelligence

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Embedder turns text into a vector. Implementations backed by a remote
// service are collaborators; their latency and retry policy live with them.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const defaultHashingDims = 1024

// Feature weights for the hashing embedder.
const (
	unigramWeight = 1.0
	bigramWeight  = 0.6
	trigramWeight = 0.35
)

// HashingEmbedder is a local, deterministic bag-of-features embedder. It
// never performs I/O.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder returns an embedder producing dims-wide vectors.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = defaultHashingDims
	}
	return &HashingEmbedder{dims: dims}
}

// Dimensions is the width of produced vectors.
func (e *HashingEmbedder) Dimensions() int {
	return e.dims
}

// Embed implements Embedder.
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if !utf8.ValidString(text) {
		return nil, ErrUnsupportedText
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}

	vec := make([]float64, e.dims)
	for i, tok := range tokens {
		e.add(vec, "w:"+tok, unigramWeight)
		if i > 0 {
			e.add(vec, "b:"+tokens[i-1]+" "+tok, bigramWeight)
		}
		padded := []rune("^" + tok + "$")
		for j := 0; j+3 <= len(padded); j++ {
			e.add(vec, "c:"+string(padded[j:j+3]), trigramWeight)
		}
	}

	var norm2 float64
	for _, v := range vec {
		norm2 += v * v
	}
	if norm2 == 0 {
		return nil, ErrEmptyText
	}
	inv := 1 / math.Sqrt(norm2)
	out := make([]float32, e.dims)
	for i, v := range vec {
		out[i] = float32(v * inv)
	}
	return out, nil
}

func (e *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

var foldMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Tokenize lowercases, folds diacritics and splits text into word tokens.
// Apostrophes are dropped so "what's" and "whats" match.
func Tokenize(text string) []string {
	folded, _, err := transform.String(foldMarks, text)
	if err != nil {
		folded = norm.NFKC.String(text)
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("'", "", "’", "").Replace(folded)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// CosineSimilarity of two equal-length vectors; 0 when either is empty,
// mismatched or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
