package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalBackend is the no-credential fallback: a deterministic feature-hash
// embedder. Each lowercased token is hashed into one of Dim buckets and the
// resulting count vector is L2-normalized, so identical text always embeds
// to the identical unit vector with no network dependency.
type LocalBackend struct {
	dim int
}

// NewLocal creates a local backend. Non-positive dim defaults to 384.
func NewLocal(dim int) *LocalBackend {
	if dim <= 0 {
		dim = 384
	}
	return &LocalBackend{dim: dim}
}

func (b *LocalBackend) Dim() int     { return b.dim }
func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs[i] = b.embed(text)
	}
	return vecs, nil
}

func (b *LocalBackend) embed(text string) []float32 {
	vec := make([]float32, b.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		bucket := int(h.Sum32()) % b.dim
		if bucket < 0 {
			bucket += b.dim
		}
		vec[bucket]++
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
