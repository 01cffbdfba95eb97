// Package embedding generates vector embeddings for message text.
// The backing model is an opaque service; this package only knows how to
// call it and how to compare the vectors it returns.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrUnavailable wraps any transport or service failure from the embedding
// backend. Callers treat it as retryable.
var ErrUnavailable = errors.New("embedding service unavailable")

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Name returns the engine name for logs and doctor output.
	Name() string
}

// HealthChecker is optionally implemented by engines that can verify the
// backing service is reachable (used by the doctor command).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Cosine computes the cosine similarity of two vectors. Returns a value in
// [-1, 1]; zero-magnitude vectors compare as 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
