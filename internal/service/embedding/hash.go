package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// HashProvider produces deterministic embeddings by feature-hashing tokens
// into d buckets and L2-normalizing the result. Similar canonical texts share
// tokens, so their vectors land close under cosine similarity. No network,
// no model: the offline and test default.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a feature-hash provider with the given dimensions.
func NewHashProvider(dims int) *HashProvider {
	return &HashProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *HashProvider) Dimensions() int {
	return p.dims
}

// Embed hashes each whitespace token (and its bigram with the previous
// token, to keep some word order) into a bucket, then L2-normalizes.
func (p *HashProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, p.dims)
	tokens := strings.Fields(strings.ToLower(text))

	add := func(feature string, weight float32) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		bucket := int(sum % uint64(p.dims)) //nolint:gosec // dims is positive
		// The next bit decides the sign so collisions cancel rather than pile up.
		if (sum>>63)&1 == 1 {
			weight = -weight
		}
		vec[bucket] += weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch hashes each text independently.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}
