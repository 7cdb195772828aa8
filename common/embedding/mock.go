package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockProvider produces deterministic pseudo-vectors derived from a
// SHA-256 stream over the input text. The same text always embeds to
// the same unit vector, so similarity search behaves consistently in
// tests and offline dev: identical texts score 1.0, unrelated texts
// score near 0.
type MockProvider struct {
	dimensions int
}

// NewMockProvider creates a deterministic mock provider
func NewMockProvider(dimensions int) *MockProvider {
	return &MockProvider{dimensions: dimensions}
}

// EmbedDocuments embeds each text deterministically
func (p *MockProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.pseudoVector(text)
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string
func (p *MockProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.pseudoVector(text), nil
}

// Dimensions returns the configured vector dimension
func (p *MockProvider) Dimensions() int {
	return p.dimensions
}

// pseudoVector expands SHA-256(text) into a unit vector by re-hashing a
// counter-seeded digest for every block of 8 components.
func (p *MockProvider) pseudoVector(text string) []float32 {
	vector := make([]float32, p.dimensions)

	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	for i := 0; i < p.dimensions; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		offset := (i % 8) * 4
		bits := binary.BigEndian.Uint32(block[offset : offset+4])
		// Map to [-1, 1)
		vector[i] = float32(int64(bits)-math.MaxInt32) / float32(math.MaxInt32)
	}

	// Normalize to unit length so cosine similarity is a plain dot product
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vector[0] = 1
		return vector
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector
}
