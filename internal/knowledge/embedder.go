package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
)

// DefaultDimensions is the width of hashed embeddings.
const DefaultDimensions = 256

// HashEmbedder produces deterministic bag-of-words embeddings by feature
// hashing unigrams and bigrams. It needs no model download and gives stable
// similarities across restarts.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns an embedder with the given width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Embed returns the L2-normalised embedding of text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, e.dims)
	tokens := tokenize(text)

	for i, tok := range tokens {
		e.add(vec, tok, 1.0)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		// Empty input still needs a unit vector.
		out[0] = 1
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// EmbeddingFunc adapts the embedder to chromem.
func (e *HashEmbedder) EmbeddingFunc() chromem.EmbeddingFunc {
	return e.Embed
}

func (e *HashEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
