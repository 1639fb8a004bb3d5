package embedclient

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder is the narrow interface other packages (EmbeddingClient callers)
// depend on, satisfied by both *Client and *Deterministic.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Deterministic is a hash-based embedder for tests: no network call, stable
// output for a given input. Grounded on manifold's
// internal/rag/embedder/embedder.go deterministicEmbedder (FNV 3-gram
// hashing over byte windows, optional L2 normalization).
type Deterministic struct {
	Dim       int
	Normalize bool
}

func (d *Deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	dim := d.Dim
	if dim <= 0 {
		dim = Dimension
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedOne(t, dim, d.Normalize)
	}
	return out, nil
}

func embedOne(s string, dim int, normalize bool) []float32 {
	v := make([]float32, dim)
	b := []byte(s)
	if len(b) < 3 {
		addGram(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(b[i:i+3], v)
		}
	}
	if normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func addGram(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
