package embed

import (
	"context"
	"math"
)

// Common embedding constants
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSizeCPU is the device-tuned batch size used when the
	// configured device is CPU-bound.
	DefaultBatchSizeCPU = 32

	// DefaultBatchSizeGPU is the device-tuned batch size used when a GPU
	// (or other accelerator) is available.
	DefaultBatchSizeGPU = 64

	// DefaultMaxRetries is the default number of retry attempts for a
	// remote embedding call made by an external Embedder implementation.
	DefaultMaxRetries = 3
)

// EmbeddingGemma constants (default dimensions for the reference model
// named in the model config record; external embedders report their own
// Dimensions(), this is only a fallback default).
const (
	// DefaultDimensions is the embedding dimension for EmbeddingGemma
	DefaultDimensions = 768
)

// Static embedder constants
const (
	// StaticDimensions is the embedding dimension for static embedder
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text. External, model-backed
// implementations (remote inference servers, local accelerators) are
// treated as a black box behind this interface; StaticEmbedder is the
// in-repo stand-in used by tests and the demo binary.
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// BatchSizeForDevice returns the device-tuned embedding batch size the
// ingest pipeline should use when splitting a flush into embedding calls.
func BatchSizeForDevice(device string) int {
	if device == "gpu" || device == "cuda" || device == "mps" {
		return DefaultBatchSizeGPU
	}
	return DefaultBatchSizeCPU
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // Return as-is if zero vector
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
