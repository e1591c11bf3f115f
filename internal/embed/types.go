// Package embed turns record documents and queries into vectors for the
// similarity backend.
package embed

import (
	"context"
	"math"
)

// DefaultDimensions is the vector size of the static embedder.
const DefaultDimensions = 256

// Embedder produces fixed-size vectors for text.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size.
	Dimensions() int

	// ModelName identifies the model, for cache keys and stored metadata.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors are returned as is.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
